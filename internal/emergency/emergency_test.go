package emergency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/simulated"
)

// fakeAborter records AbortMissionsForDrone calls instead of driving a
// real mission.Engine, keeping these tests free of a mission-package
// import cycle concern.
type fakeAborter struct {
	mu      sync.Mutex
	calls   []sartypes.DroneId
	returns map[sartypes.DroneId][]string
}

func (f *fakeAborter) AbortMissionsForDrone(drone sartypes.DroneId, _ string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, drone)
	return f.returns[drone]
}

func newPipeline(t *testing.T) (*Pipeline, *simulated.Transport) {
	t.Helper()
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	tr.Spawn("drone-2", 0, 0, 0)
	return New(tr, nil, nil, zap.NewNop(), nil, 0, 0), tr
}

func TestDispatchRequiresTargets(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Dispatch(context.Background(), Intent{Kind: KindEmergencyStop})
	require.Error(t, err)
}

func TestDisarmAllRequiresConfirmation(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Dispatch(context.Background(), Intent{Kind: KindDisarmAll, Targets: []sartypes.DroneId{"drone-1"}})
	require.Error(t, err)
}

func TestDispatchSucceedsAcrossTargets(t *testing.T) {
	p, _ := newPipeline(t)
	out, err := p.Dispatch(context.Background(), Intent{
		Kind:    KindEmergencyStop,
		Targets: []sartypes.DroneId{"drone-1", "drone-2"},
	})
	require.NoError(t, err)
	assert.Len(t, out.Targets, 2)
	for _, r := range out.Targets {
		assert.True(t, r.Success)
	}
	assert.Less(t, out.Elapsed, 5*time.Second)
}

func TestDispatchIsIdempotentWithinWindow(t *testing.T) {
	p, _ := newPipeline(t)
	intent := Intent{Kind: KindReturnToLaunch, Targets: []sartypes.DroneId{"drone-1"}, Operator: "op-1"}

	first, err := p.Dispatch(context.Background(), intent)
	require.NoError(t, err)
	assert.False(t, first.Deduped)

	second, err := p.Dispatch(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, second.Deduped)
}

func TestDispatchUnknownDroneFails(t *testing.T) {
	p, _ := newPipeline(t)
	out, err := p.Dispatch(context.Background(), Intent{
		Kind:    KindEmergencyStop,
		Targets: []sartypes.DroneId{"ghost"},
	})
	require.NoError(t, err)
	require.Len(t, out.Targets, 1)
	assert.False(t, out.Targets[0].Success)
}

func TestDispatchAbortsAffectedMissions(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	aborter := &fakeAborter{returns: map[sartypes.DroneId][]string{
		"drone-1": {"mission-a", "mission-b"},
	}}
	p := New(tr, aborter, nil, zap.NewNop(), nil, 0, 0)

	out, err := p.Dispatch(context.Background(), Intent{
		Kind:    KindEmergencyStop,
		Targets: []sartypes.DroneId{"drone-1"},
		Reason:  "battery failure",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mission-a", "mission-b"}, out.AbortedMissions)
	assert.Equal(t, []sartypes.DroneId{"drone-1"}, aborter.calls)
}

func TestDispatchPublishesOutcomeToAlerts(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	b := bus.New(nil, nil)
	alerts := b.Subscribe(sartypes.TopicAlerts, 8)
	defer alerts.Close()

	p := New(tr, nil, b, zap.NewNop(), nil, 0, 0)
	_, err := p.Dispatch(context.Background(), Intent{
		Kind:    KindEmergencyStop,
		Targets: []sartypes.DroneId{"drone-1"},
	})
	require.NoError(t, err)

	select {
	case msg := <-alerts.C:
		out, ok := msg.Payload.(Outcome)
		require.True(t, ok)
		assert.Equal(t, KindEmergencyStop, out.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the dispatch outcome on the alerts topic")
	}
}
