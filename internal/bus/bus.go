// Package bus implements the real-time fan-out bus: topic-based pub/sub
// with bounded per-subscriber queues and a drop policy for slow
// consumers, grounded on the broadcast-to-many-websocket-clients pattern
// used elsewhere in the fleet corpus but generalized to arbitrary topics
// and message payloads instead of one hardcoded client map.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// DefaultQueueSize is the per-subscriber channel capacity when a
// subscriber doesn't request a specific size.
const DefaultQueueSize = 256

// MaxConsecutiveLag is how many back-to-back dropped sends a subscriber
// tolerates before the bus terminates it.
const MaxConsecutiveLag = 32

// Message is one published event: its topic plus an arbitrary payload.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is a live subscriber's inbound channel plus bookkeeping.
type Subscription struct {
	ID     string
	Topic  string
	C      <-chan Message
	bus    *Bus
	ch     chan Message
	lag    int
	mu     sync.Mutex
	closed bool
}

// Close unsubscribes and drains no further messages.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the process-wide fan-out bus. Safe for concurrent use.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]*Subscription // topic -> copy-on-write subscriber slice
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates an empty Bus.
func New(logger *zap.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string][]*Subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe returns a Subscription delivering every message published on
// topic from this point forward. queueSize <= 0 uses DefaultQueueSize.
func (b *Bus) Subscribe(topic string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ch := make(chan Message, queueSize)
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		C:     ch,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	b.subs[topic] = append(append([]*Subscription{}, b.subs[topic]...), sub)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BusSubscribers.WithLabelValues(topic).Inc()
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	b.mu.Lock()
	list := b.subs[sub.Topic]
	next := make([]*Subscription, 0, len(list))
	for _, s := range list {
		if s.ID != sub.ID {
			next = append(next, s)
		}
	}
	b.subs[sub.Topic] = next
	b.mu.Unlock()

	close(sub.ch)
	if b.metrics != nil {
		b.metrics.BusSubscribers.WithLabelValues(sub.Topic).Dec()
	}
}

// Publish delivers payload to every subscriber of topic. Delivery is
// always non-blocking: a subscriber whose queue is full has the message
// dropped and its lag counter incremented; after MaxConsecutiveLag
// consecutive drops the subscriber is terminated.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.BusPublished.WithLabelValues(topic).Inc()
	}

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
			sub.mu.Lock()
			sub.lag = 0
			sub.mu.Unlock()
		default:
			sub.mu.Lock()
			sub.lag++
			terminate := sub.lag >= MaxConsecutiveLag
			sub.mu.Unlock()

			if b.metrics != nil {
				b.metrics.BusDropped.WithLabelValues(topic).Inc()
			}
			if terminate {
				b.logger.Warn("subscriber terminated for excessive lag",
					zap.String("topic", topic), zap.String("subscription_id", sub.ID))
				if b.metrics != nil {
					b.metrics.BusLagged.WithLabelValues(topic).Inc()
				}
				b.unsubscribe(sub)
				if topic != sartypes.TopicAlerts {
					b.Publish(sartypes.TopicAlerts, sartypes.SubscriberDroppedAlert{
						Topic:          topic,
						SubscriptionID: sub.ID,
						Reason:         "consecutive_lag",
					})
				}
			}
		}
	}
}

// Close terminates every live subscription across every topic. Intended
// for orderly shutdown; Publish after Close is still safe, it simply has
// nothing left to deliver to.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		b.unsubscribe(sub)
	}
}

// SubscriberCount returns the current subscriber count for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
