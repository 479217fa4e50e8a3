// Package telemetrycache holds the latest telemetry snapshot per drone.
package telemetrycache

import (
	"sync"
	"sync/atomic"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// Cache holds one atomically-swapped immutable snapshot per drone. The
// map itself is guarded by a RWMutex since drones are added/removed far
// less often than telemetry updates arrive.
type Cache struct {
	mu     sync.RWMutex
	slots  map[sartypes.DroneId]*atomic.Pointer[sartypes.Telemetry]
	bus    *bus.Bus
}

// New creates an empty Cache publishing updates on the given bus.
func New(b *bus.Bus) *Cache {
	return &Cache{
		slots: make(map[sartypes.DroneId]*atomic.Pointer[sartypes.Telemetry]),
		bus:   b,
	}
}

func (c *Cache) slotFor(id sartypes.DroneId) *atomic.Pointer[sartypes.Telemetry] {
	c.mu.RLock()
	s, ok := c.slots[id]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[id]; ok {
		return s
	}
	s = &atomic.Pointer[sartypes.Telemetry]{}
	c.slots[id] = s
	return s
}

// Ingest stores a new telemetry snapshot for t.DroneID and publishes it on
// the telemetry topic, but only when t.Timestamp is strictly later than the
// stored snapshot's; an equal or older snapshot is ignored and not
// published. Never blocks on delivery.
func (c *Cache) Ingest(t sartypes.Telemetry) {
	snapshot := t
	slot := c.slotFor(t.DroneID)
	for {
		prev := slot.Load()
		if prev != nil && !snapshot.Timestamp.After(prev.Timestamp) {
			return
		}
		if slot.CompareAndSwap(prev, &snapshot) {
			break
		}
	}
	if c.bus != nil {
		c.bus.Publish(sartypes.TopicTelemetry, snapshot)
	}
}

// Get returns the latest known telemetry for id, if any has arrived.
func (c *Cache) Get(id sartypes.DroneId) (sartypes.Telemetry, bool) {
	c.mu.RLock()
	s, ok := c.slots[id]
	c.mu.RUnlock()
	if !ok {
		return sartypes.Telemetry{}, false
	}
	p := s.Load()
	if p == nil {
		return sartypes.Telemetry{}, false
	}
	return *p, true
}

// Snapshot returns the latest telemetry for every drone that has reported.
func (c *Cache) Snapshot() []sartypes.Telemetry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]sartypes.Telemetry, 0, len(c.slots))
	for _, s := range c.slots {
		if p := s.Load(); p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Remove drops a drone's cached telemetry entirely (used when a drone is
// unregistered from the fleet).
func (c *Cache) Remove(id sartypes.DroneId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, id)
}
