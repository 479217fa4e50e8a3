package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	sub := b.Subscribe("telemetry", 4)
	defer sub.Close()

	b.Publish("telemetry", "payload-1")

	select {
	case msg := <-sub.C:
		assert.Equal(t, "payload-1", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a message")
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	assert.NotPanics(t, func() { b.Publish("alerts", "x") })
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	sub := b.Subscribe("telemetry", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("telemetry", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish should never block on a full subscriber queue")
	}
}

func TestSubscriberTerminatedAfterConsecutiveLag(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	sub := b.Subscribe("alerts", 1)

	b.Publish("alerts", "seed") // fills the only slot
	require.Equal(t, 1, b.SubscriberCount("alerts"))

	for i := 0; i < MaxConsecutiveLag+1; i++ {
		b.Publish("alerts", i)
	}

	assert.Equal(t, 0, b.SubscriberCount("alerts"))
	_ = sub
}

func TestSubscriberTerminationPublishesDroppedAlert(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	alerts := b.Subscribe(sartypes.TopicAlerts, 64)
	defer alerts.Close()

	victim := b.Subscribe("telemetry", 1)
	b.Publish("telemetry", "seed") // fills the only slot

	for i := 0; i < MaxConsecutiveLag+1; i++ {
		b.Publish("telemetry", i)
	}
	require.Equal(t, 0, b.SubscriberCount("telemetry"))
	_ = victim

	select {
	case msg := <-alerts.C:
		dropped, ok := msg.Payload.(sartypes.SubscriberDroppedAlert)
		require.True(t, ok)
		assert.Equal(t, "telemetry", dropped.Topic)
		assert.Equal(t, "consecutive_lag", dropped.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a subscriber_dropped alert")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil, observability.NewMetrics())
	sub := b.Subscribe("mission_updates", 4)
	sub.Close()

	assert.Equal(t, 0, b.SubscriberCount("mission_updates"))
	assert.NotPanics(t, func() { b.Publish("mission_updates", "x") })
}
