package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/aimonitor"
	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/mission"
	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/simulated"
)

func TestRunStartsAndStopsCleanly(t *testing.T) {
	logger := zap.NewNop()
	reg := registry.New(logger)
	reg.Register("drone-1", "Alpha", nil)

	b := bus.New(logger, nil)
	cache := telemetrycache.New(b)
	sim := simulated.New(cache)
	sim.Spawn("drone-1", 1, 1, 0)

	monitor := aimonitor.New(time.Second, false, aimonitor.Thresholds{}, reg, cache, b, nil, nil, logger)
	me := mission.New(sim, cache, b, store.NewMemoryStore(), logger, nil)
	sup := New(logger, reg, monitor, me, b, sim, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(runDone)
	}()

	time.Sleep(2 * SimulatedTickInterval)
	cancel()

	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	telem, ok := cache.Get("drone-1")
	assert.True(t, ok)
	assert.Equal(t, sartypes.DroneId("drone-1"), telem.DroneID)
}
