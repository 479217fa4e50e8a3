// Package transport defines the Transport interface every drone link
// (real MAVLink, simulated) implements, plus the shared command/priority
// vocabulary used by both the mission engine and the emergency pipeline.
package transport

import (
	"context"
	"time"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// Priority controls dispatch ordering and pre-emption. Higher values win:
// priority 3 (emergency) must never be blocked by priority 1 or 2 traffic.
type Priority int

const (
	PriorityNormal    Priority = 1
	PriorityRTL       Priority = 2
	PriorityEmergency Priority = 3
)

// Command is one instruction sent to a drone.
type Command struct {
	Kind       string
	Parameters map[string]any
}

// Common command kinds. Transport implementations are free to support
// others, but the mission engine and emergency pipeline only ever issue
// these.
const (
	CmdArm            = "arm"
	CmdDisarm         = "disarm"
	CmdTakeoff        = "takeoff"
	CmdLand           = "land"
	CmdReturnToLaunch = "return_to_launch"
	CmdGoToPosition   = "go_to_position"
	CmdPause          = "pause"
	CmdResume         = "resume"
	CmdEmergencyStop  = "emergency_stop"
	// CmdEmergencyLand is issued by a mission's per-tick safety check when a
	// drone's battery crosses CriticalBatteryPercent: an immediate descent,
	// distinct from the graceful CmdLand used at the end of a mission.
	CmdEmergencyLand = "emergency_land"
)

// Result is the outcome of a Send call.
type Result struct {
	Accepted bool
	Detail   string
}

// Transport is the one seam between the coordination logic (mission
// engine, emergency pipeline) and however a drone actually receives
// commands.
type Transport interface {
	// Send dispatches cmd to the named drone, honoring priority and
	// ctx's deadline. It must return promptly once ctx is done.
	Send(ctx context.Context, drone sartypes.DroneId, cmd Command, priority Priority) (Result, error)

	// IsConnected reports whether the drone currently has a live link.
	IsConnected(drone sartypes.DroneId) bool
}

// DefaultEmergencyDeadline is the upper bound an EmergencyPipeline caller
// should use when none is specified, per the bounded-latency requirement.
const DefaultEmergencyDeadline = 5 * time.Second
