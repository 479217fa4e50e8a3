package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedBatteryThresholds(t *testing.T) {
	cfg := Default()
	cfg.Mission.CriticalBatteryPercent = cfg.Mission.LowBatteryPercent
	assert.Error(t, cfg.Validate())
}

func TestServerAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	assert.Equal(t, "127.0.0.1:9000", cfg.ServerAddr())
}

func TestDroneRegistryDiff(t *testing.T) {
	prev := &DroneRegistry{Drones: []DroneConfig{{ID: "a"}, {ID: "b"}}}
	next := &DroneRegistry{Drones: []DroneConfig{{ID: "b"}, {ID: "c"}}}

	added, removed := prev.Diff(next)
	assert.Len(t, added, 1)
	assert.Equal(t, "c", added[0].ID)
	assert.Equal(t, []string{"a"}, removed)
}
