package mavlink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

func TestPX4Mode(t *testing.T) {
	assert.Equal(t, uint32(4|(5<<16)), px4Mode(PX4MainModeAuto, PX4AutoModeRTL))
}

func TestManagerSendUnknownDrone(t *testing.T) {
	m := NewManager(zap.NewNop(), nil)
	_, err := m.Send(context.Background(), "missing", transport.Command{Kind: transport.CmdArm}, transport.PriorityNormal)
	require.Error(t, err)
}

func TestManagerIsConnectedUnknownDrone(t *testing.T) {
	m := NewManager(zap.NewNop(), nil)
	assert.False(t, m.IsConnected("missing"))
}
