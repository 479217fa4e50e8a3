package telemetrycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

func TestIngestAndGet(t *testing.T) {
	c := New(nil)
	c.Ingest(sartypes.Telemetry{DroneID: "drone-1", BatteryPercent: 80, Timestamp: time.Now()})

	got, ok := c.Get("drone-1")
	require.True(t, ok)
	assert.Equal(t, 80.0, got.BatteryPercent)
}

func TestGetMissingDrone(t *testing.T) {
	c := New(nil)
	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestIngestPublishesToBus(t *testing.T) {
	b := bus.New(nil, observability.NewMetrics())
	sub := b.Subscribe(sartypes.TopicTelemetry, 4)
	defer sub.Close()

	c := New(b)
	c.Ingest(sartypes.Telemetry{DroneID: "drone-1"})

	select {
	case msg := <-sub.C:
		telem, ok := msg.Payload.(sartypes.Telemetry)
		require.True(t, ok)
		assert.Equal(t, sartypes.DroneId("drone-1"), telem.DroneID)
	case <-time.After(time.Second):
		t.Fatal("expected a telemetry publish")
	}
}

func TestSnapshotReturnsAllDrones(t *testing.T) {
	c := New(nil)
	c.Ingest(sartypes.Telemetry{DroneID: "drone-1"})
	c.Ingest(sartypes.Telemetry{DroneID: "drone-2"})

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
}

func TestRemove(t *testing.T) {
	c := New(nil)
	c.Ingest(sartypes.Telemetry{DroneID: "drone-1"})
	c.Remove("drone-1")

	_, ok := c.Get("drone-1")
	assert.False(t, ok)
}
