package aimonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
)

func TestIntervalClamp(t *testing.T) {
	m := New(100*time.Millisecond, false, Thresholds{}, registry.New(zap.NewNop()), telemetrycache.New(nil), nil, nil, nil, zap.NewNop())
	assert.Equal(t, time.Second, m.interval)

	m2 := New(10*time.Second, false, Thresholds{}, registry.New(zap.NewNop()), telemetrycache.New(nil), nil, nil, nil, zap.NewNop())
	assert.Equal(t, 5*time.Second, m2.interval)
}

func TestEvaluateTriggersCriticalBattery(t *testing.T) {
	cache := telemetrycache.New(nil)
	cache.Ingest(sartypes.Telemetry{DroneID: "drone-1", BatteryPercent: 10})

	m := New(time.Second, false, Thresholds{}, registry.New(zap.NewNop()), cache, nil, nil, nil, zap.NewNop())
	triggers := m.evaluateTriggers()

	assert.Len(t, triggers, 1)
	assert.Equal(t, "critical_battery", triggers[0].kind)
}

func TestEvaluateTriggersLostDrone(t *testing.T) {
	reg := registry.New(zap.NewNop())
	reg.Register("drone-1", "Alpha", nil)

	m := New(time.Second, false, Thresholds{}, reg, telemetrycache.New(nil), nil, nil, nil, zap.NewNop())
	triggers := m.evaluateTriggers()

	require := assert.New(t)
	require.Len(triggers, 1)
	require.Equal("lost_drone", triggers[0].kind)
}

func TestMakeDecisionLowBatteryHasTwoOptions(t *testing.T) {
	m := New(time.Second, false, Thresholds{}, registry.New(zap.NewNop()), telemetrycache.New(nil), nil, nil, nil, zap.NewNop())
	decision := m.makeDecision(trigger{kind: "low_battery", droneID: "drone-1", severity: "high"})

	assert.Equal(t, "rtl", decision.SelectedOption.OptionID)
	assert.Len(t, decision.Alternatives, 1)
	assert.Equal(t, sartypes.AuthorityAIAutonomous, decision.AuthorityLevel)
}
