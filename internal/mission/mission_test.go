package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/simulated"
)

func startSimulation(t *testing.T, cache *telemetrycache.Cache, tr *simulated.Transport, stop <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tr.Tick(50 * time.Millisecond)
			}
		}
	}()
}

func TestMissionRunsToCompletion(t *testing.T) {
	cache := telemetrycache.New(nil)
	b := bus.New(nil, observability.NewMetrics())
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)

	stop := make(chan struct{})
	defer close(stop)
	startSimulation(t, cache, tr, stop)

	engine := New(tr, cache, b, store.NewMemoryStore(), zap.NewNop(), observability.NewMetrics())

	sub := b.Subscribe(sartypes.TopicMissionUpdates, 64)
	defer sub.Close()

	missionID, err := engine.Start(context.Background(), Spec{
		Drones: []sartypes.DroneId{"drone-1"},
		Waypoints: []Waypoint{
			{Latitude: 0, Longitude: 0, Altitude: 10},
			{Latitude: 0.0001, Longitude: 0.0001, Altitude: 10},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := engine.GetState(missionID)
		return ok && (st.Phase == PhaseComplete || st.Phase == PhaseFailed)
	}, 10*time.Second, 20*time.Millisecond)

	st, ok := engine.GetState(missionID)
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, st.Phase)
}

func TestStartRejectsEmptyDrones(t *testing.T) {
	engine := New(nil, nil, nil, nil, zap.NewNop(), nil)
	_, err := engine.Start(context.Background(), Spec{Waypoints: []Waypoint{{}}})
	require.Error(t, err)
}

func TestStartRejectsEmptyWaypoints(t *testing.T) {
	engine := New(nil, nil, nil, nil, zap.NewNop(), nil)
	_, err := engine.Start(context.Background(), Spec{Drones: []sartypes.DroneId{"d1"}})
	require.Error(t, err)
}

func TestAssignWaypointsShared(t *testing.T) {
	spec := Spec{
		Drones:       []sartypes.DroneId{"d1", "d2"},
		Waypoints:    []Waypoint{{}, {}, {}},
		WaypointMode: WaypointModeShared,
	}
	out := assignWaypoints(spec)
	assert.Len(t, out["d1"], 3)
	assert.Len(t, out["d2"], 3)
}

func TestAssignWaypointsPartitioned(t *testing.T) {
	spec := Spec{
		Drones:       []sartypes.DroneId{"d1", "d2"},
		Waypoints:    []Waypoint{{}, {}, {}, {}},
		WaypointMode: WaypointModePartitioned,
	}
	out := assignWaypoints(spec)
	assert.Len(t, out["d1"], 2)
	assert.Len(t, out["d2"], 2)
}

func TestAbortUnknownMission(t *testing.T) {
	engine := New(nil, nil, nil, nil, zap.NewNop(), nil)
	err := engine.Abort("missing", "test")
	require.Error(t, err)
}

func TestAbortMissionsForDroneDrivesMissionToAborted(t *testing.T) {
	cache := telemetrycache.New(nil)
	b := bus.New(nil, observability.NewMetrics())
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)

	stop := make(chan struct{})
	defer close(stop)
	startSimulation(t, cache, tr, stop)

	engine := New(tr, cache, b, store.NewMemoryStore(), zap.NewNop(), observability.NewMetrics())
	missionID, err := engine.Start(context.Background(), Spec{
		Drones:    []sartypes.DroneId{"drone-1"},
		Waypoints: []Waypoint{{Altitude: 10}, {Latitude: 0.01, Altitude: 10}},
	})
	require.NoError(t, err)

	aborted := engine.AbortMissionsForDrone("drone-1", "emergency_stop issued")
	assert.Equal(t, []string{missionID}, aborted)

	require.Eventually(t, func() bool {
		st, ok := engine.GetState(missionID)
		return ok && st.Phase == PhaseAborted
	}, 2*time.Second, 10*time.Millisecond)
}

// newTestRun builds a bare run in PhaseSearch for unit-testing
// runSafetyChecks directly, without driving it through Start/drive.
func newTestRun(drones ...sartypes.DroneId) *run {
	dp := make(map[sartypes.DroneId]DroneProgress, len(drones))
	for _, d := range drones {
		dp[d] = DroneProgress{}
	}
	return &run{
		state:       State{MissionID: "m1", Phase: PhaseSearch, DroneProgress: dp},
		forceReturn: make(chan struct{}),
		cancel:      func() {},
	}
}

func TestCriticalBatteryMarksDroneFailedAndSendsEmergencyLand(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	cache.Ingest(sartypes.Telemetry{DroneID: "drone-1", Timestamp: time.Now(), BatteryPercent: 10})

	engine := New(tr, cache, nil, nil, zap.NewNop(), observability.NewMetrics())
	r := newTestRun("drone-1")
	spec := Spec{Drones: []sartypes.DroneId{"drone-1"}, Thresholds: Thresholds{}.withDefaults()}

	engine.runSafetyChecks(spec, r)

	assert.True(t, r.isFailed("drone-1"))
	r.mu.Lock()
	reason := r.state.DroneProgress["drone-1"].FailReason
	r.mu.Unlock()
	assert.Equal(t, "critical_battery", reason)
}

func TestCriticalBatteryOnLastDroneFailsMission(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	cache.Ingest(sartypes.Telemetry{DroneID: "drone-1", Timestamp: time.Now(), BatteryPercent: 10})

	engine := New(tr, cache, nil, nil, zap.NewNop(), observability.NewMetrics())
	r := newTestRun("drone-1")
	spec := Spec{Drones: []sartypes.DroneId{"drone-1"}, Thresholds: Thresholds{}.withDefaults()}

	engine.runSafetyChecks(spec, r)

	r.mu.Lock()
	phase, reason := r.state.Phase, r.state.FailureReason
	r.mu.Unlock()
	assert.Equal(t, PhaseFailed, phase)
	assert.Equal(t, "all drones lost", reason)
}

func TestLowBatteryDuringSearchForcesReturn(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	cache.Ingest(sartypes.Telemetry{DroneID: "drone-1", Timestamp: time.Now(), BatteryPercent: 20})

	engine := New(tr, cache, nil, nil, zap.NewNop(), observability.NewMetrics())
	r := newTestRun("drone-1")
	spec := Spec{Drones: []sartypes.DroneId{"drone-1"}, Thresholds: Thresholds{}.withDefaults()}

	engine.runSafetyChecks(spec, r)

	assert.True(t, r.forceReturnRequested())
	assert.False(t, r.isFailed("drone-1"))
}

func TestLowBatteryDuringReturnHasNoEffect(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	cache.Ingest(sartypes.Telemetry{DroneID: "drone-1", Timestamp: time.Now(), BatteryPercent: 20})

	engine := New(tr, cache, nil, nil, zap.NewNop(), observability.NewMetrics())
	r := newTestRun("drone-1")
	r.state.Phase = PhaseReturn
	spec := Spec{Drones: []sartypes.DroneId{"drone-1"}, Thresholds: Thresholds{}.withDefaults()}

	engine.runSafetyChecks(spec, r)

	assert.False(t, r.forceReturnRequested())
}

func TestStaleTelemetryMarksDroneLostAndFailsMissionWhenAllLost(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)
	cache.Ingest(sartypes.Telemetry{
		DroneID: "drone-1", Timestamp: time.Now().Add(-30 * time.Second), BatteryPercent: 100,
	})

	engine := New(tr, cache, nil, nil, zap.NewNop(), observability.NewMetrics())
	r := newTestRun("drone-1")
	spec := Spec{Drones: []sartypes.DroneId{"drone-1"}, Thresholds: Thresholds{}.withDefaults()}

	engine.runSafetyChecks(spec, r)

	assert.True(t, r.isFailed("drone-1"))
	r.mu.Lock()
	phase := r.state.Phase
	r.mu.Unlock()
	assert.Equal(t, PhaseFailed, phase)
}

func TestPauseAndResume(t *testing.T) {
	cache := telemetrycache.New(nil)
	tr := simulated.New(cache)
	tr.Spawn("drone-1", 0, 0, 0)

	stop := make(chan struct{})
	defer close(stop)
	startSimulation(t, cache, tr, stop)

	engine := New(tr, cache, nil, store.NewMemoryStore(), zap.NewNop(), nil)
	missionID, err := engine.Start(context.Background(), Spec{
		Drones:    []sartypes.DroneId{"drone-1"},
		Waypoints: []Waypoint{{Altitude: 10}, {Latitude: 0.001, Altitude: 10}},
	})
	require.NoError(t, err)

	require.NoError(t, engine.Pause(context.Background(), missionID, []sartypes.DroneId{"drone-1"}))
	st, _ := engine.GetState(missionID)
	assert.True(t, st.Paused)

	require.NoError(t, engine.Resume(context.Background(), missionID, []sartypes.DroneId{"drone-1"}))
	st, _ = engine.GetState(missionID)
	assert.False(t, st.Paused)
}
