package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	r.Register("drone-1", "Alpha", []string{"search"})

	rec, ok := r.Get("drone-1")
	require.True(t, ok)
	assert.Equal(t, "Alpha", rec.Name)
	assert.Equal(t, sartypes.DroneOffline, rec.Status)
}

func TestHeartbeatUnknownDrone(t *testing.T) {
	r := newTestRegistry()
	err := r.Heartbeat("missing", time.Now())
	require.Error(t, err)
}

func TestHeartbeatMarksOnline(t *testing.T) {
	r := newTestRegistry()
	r.Register("drone-1", "Alpha", nil)

	require.NoError(t, r.Heartbeat("drone-1", time.Now()))

	rec, _ := r.Get("drone-1")
	assert.Equal(t, sartypes.DroneOnline, rec.Status)
}

func TestAssignConflict(t *testing.T) {
	r := newTestRegistry()
	r.Register("drone-1", "Alpha", nil)

	require.NoError(t, r.Assign("drone-1", "mission-a"))
	err := r.Assign("drone-1", "mission-b")
	require.Error(t, err)

	require.NoError(t, r.Assign("drone-1", "mission-a"))
}

func TestSweepStaleness(t *testing.T) {
	r := newTestRegistry()
	r.Register("drone-1", "Alpha", nil)
	now := time.Now()
	require.NoError(t, r.Heartbeat("drone-1", now.Add(-30*time.Second)))

	r.SweepStaleness(now, 10*time.Second)
	rec, _ := r.Get("drone-1")
	assert.Equal(t, sartypes.DroneOffline, rec.Status)
}

func TestCount(t *testing.T) {
	r := newTestRegistry()
	r.Register("drone-1", "Alpha", nil)
	r.Register("drone-2", "Beta", nil)
	require.NoError(t, r.Heartbeat("drone-1", time.Now()))

	total, online := r.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, online)
}
