package simulated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

func TestSendUnknownDrone(t *testing.T) {
	tr := New(nil)
	_, err := tr.Send(context.Background(), "nope", transport.Command{Kind: transport.CmdArm}, transport.PriorityNormal)
	require.Error(t, err)
}

func TestArmDisarm(t *testing.T) {
	tr := New(nil)
	tr.Spawn("drone-1", 0, 0, 0)

	_, err := tr.Send(context.Background(), "drone-1", transport.Command{Kind: transport.CmdArm}, transport.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, tr.IsConnected("drone-1"))

	_, err = tr.Send(context.Background(), "drone-1", transport.Command{Kind: transport.CmdDisarm}, transport.PriorityEmergency)
	require.NoError(t, err)
}

func TestTickConvergesTowardTarget(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := New(cache)
	tr.Spawn("drone-1", 0, 0, 0)

	_, err := tr.Send(context.Background(), "drone-1", transport.Command{
		Kind:       transport.CmdTakeoff,
		Parameters: map[string]any{"altitude": 20.0},
	}, transport.PriorityNormal)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		tr.Tick(time.Second)
	}

	telem, ok := cache.Get("drone-1")
	require.True(t, ok)
	assert.InDelta(t, 20.0, telem.AltitudeM, 0.01)
}
