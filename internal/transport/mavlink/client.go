// Package mavlink adapts gomavlib into the transport.Transport
// interface. Each registered drone gets its own Client on its own
// endpoint (serial, TCP, or UDP); a Manager multiplexes Send/IsConnected
// across all of them and wraps each drone's calls in its own circuit
// breaker so one misbehaving link cannot stall the others.
package mavlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

// PX4 main flight modes, encoded in MAVLink's custom_mode field.
const (
	PX4MainModeManual     = 1
	PX4MainModePosctl     = 3
	PX4MainModeAuto       = 4
	PX4MainModeOffboard   = 6
)

// PX4 AUTO sub-modes, used when main mode is PX4MainModeAuto.
const (
	PX4AutoModeLoiter  = 3
	PX4AutoModeMission = 4
	PX4AutoModeRTL     = 5
	PX4AutoModeLand    = 6
)

func px4Mode(main, sub uint32) uint32 {
	return main | (sub << 16)
}

// EndpointConfig is one drone's connection parameters, sourced from its
// config.DroneConfig.Connection map.
type EndpointConfig struct {
	DroneID  sartypes.DroneId
	Kind     string // "serial", "tcp", "udp"
	Address  string // device path or host:port
	BaudRate int    // only used for "serial"
}

// Client is a MAVLink connection to a single drone.
type Client struct {
	id     sartypes.DroneId
	node   *gomavlib.Node
	logger *zap.Logger
	cache  *telemetrycache.Cache

	mu            sync.RWMutex
	connected     bool
	armed         bool
	systemID      uint8
	lastHeartbeat time.Time
	customMode    uint32

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// NewClient dials cfg and starts the listener and ground-station
// heartbeat goroutines.
func NewClient(cfg EndpointConfig, logger *zap.Logger, cache *telemetrycache.Cache) (*Client, error) {
	var endpoint gomavlib.EndpointConf
	switch cfg.Kind {
	case "serial":
		endpoint = gomavlib.EndpointSerial{Device: cfg.Address, Baud: cfg.BaudRate}
	case "tcp":
		endpoint = gomavlib.EndpointTCPClient{Address: cfg.Address}
	case "udp":
		endpoint = gomavlib.EndpointUDPClient{Address: cfg.Address}
	default:
		return nil, fmt.Errorf("unsupported mavlink endpoint kind %q", cfg.Kind)
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{endpoint},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: 255, // ground control station system ID
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink node for %s: %w", cfg.DroneID, err)
	}

	c := &Client{
		id:            cfg.DroneID,
		node:          node,
		logger:        logger.With(zap.String("drone_id", string(cfg.DroneID))),
		cache:         cache,
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	go c.listen()
	go c.sendGroundStationMessages()

	return c, nil
}

func (c *Client) sendGroundStationMessages() {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			_ = c.node.WriteMessageAll(&common.MessageHeartbeat{
				Type:           common.MAV_TYPE_GCS,
				Autopilot:      common.MAV_AUTOPILOT_INVALID,
				SystemStatus:   common.MAV_STATE_ACTIVE,
				MavlinkVersion: 3,
			})
		}
	}
}

func (c *Client) listen() {
	for evt := range c.node.Events() {
		if frm, ok := evt.(*gomavlib.EventFrame); ok {
			c.handleMessage(frm.Message(), frm.SystemID())
		}
	}
}

func (c *Client) handleMessage(msg message.Message, sysID uint8) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		c.handleHeartbeat(m, sysID)
	case *common.MessageGlobalPositionInt:
		c.handleGlobalPosition(m)
	case *common.MessageAttitude:
		c.handleAttitude(m)
	case *common.MessageVfrHud:
		c.handleVfrHud(m)
	case *common.MessageSysStatus:
		c.handleSysStatus(m)
	case *common.MessageGpsRawInt:
		c.handleGpsRaw(m)
	case *common.MessageStatustext:
		c.logger.Info("drone status text", zap.Uint8("severity", uint8(m.Severity)), zap.String("text", m.Text))
	}
}

func (c *Client) handleHeartbeat(msg *common.MessageHeartbeat, sysID uint8) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.systemID = sysID
	c.lastHeartbeat = time.Now()
	c.armed = (msg.BaseMode & common.MAV_MODE_FLAG_SAFETY_ARMED) != 0
	c.customMode = msg.CustomMode
	c.mu.Unlock()

	if !wasConnected {
		c.logger.Info("drone connected", zap.Uint8("system_id", sysID))
	}
}

func (c *Client) ingest(mutate func(*sartypes.Telemetry)) {
	base := sartypes.Telemetry{DroneID: c.id, Timestamp: time.Now()}
	if cached, ok := c.cache.Get(c.id); ok {
		base = cached
		base.Timestamp = time.Now()
	}
	mutate(&base)

	c.mu.RLock()
	base.Armed = c.armed
	c.mu.RUnlock()

	if c.cache != nil {
		c.cache.Ingest(base)
	}
}

func (c *Client) handleGlobalPosition(msg *common.MessageGlobalPositionInt) {
	c.ingest(func(t *sartypes.Telemetry) {
		t.Latitude = float64(msg.Lat) / 1e7
		t.Longitude = float64(msg.Lon) / 1e7
		t.AltitudeM = float64(msg.Alt) / 1000.0
	})
}

func (c *Client) handleAttitude(msg *common.MessageAttitude) {
	// Heading is derived from VFR_HUD, not ATTITUDE; this handler only
	// updates the timestamp to show the link is alive between GPS fixes.
	c.ingest(func(t *sartypes.Telemetry) {})
}

func (c *Client) handleVfrHud(msg *common.MessageVfrHud) {
	c.ingest(func(t *sartypes.Telemetry) {
		t.HeadingDeg = float64(msg.Heading)
		t.GroundSpeedMps = float64(msg.Groundspeed)
	})
}

func (c *Client) handleSysStatus(msg *common.MessageSysStatus) {
	c.ingest(func(t *sartypes.Telemetry) {
		t.BatteryPercent = float64(msg.BatteryRemaining)
		t.SensorsHealthy = (msg.OnboardControlSensorsHealth & msg.OnboardControlSensorsEnabled) == msg.OnboardControlSensorsEnabled
	})
}

func (c *Client) handleGpsRaw(msg *common.MessageGpsRawInt) {
	c.ingest(func(t *sartypes.Telemetry) {
		t.GPSAccuracyM = float64(msg.Eph) / 100.0
		t.SatelliteCount = int32(msg.SatellitesVisible)
	})
}

// IsConnected reports whether a heartbeat has been seen within 3s.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected && time.Since(c.lastHeartbeat) > 3*time.Second {
		c.connected = false
	}
	return c.connected
}

func (c *Client) systemIDOrZero() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemID
}

func (c *Client) sendCommandLong(command common.MAV_CMD, p1, p2, p7 float32) error {
	return c.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    c.systemIDOrZero(),
		TargetComponent: 1,
		Command:         command,
		Param1:          p1,
		Param2:          p2,
		Param7:          p7,
	})
}

// Dispatch sends cmd to the drone. Called by Manager.Send after circuit
// breaker and priority handling.
func (c *Client) Dispatch(cmd transport.Command) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected")
	}

	switch cmd.Kind {
	case transport.CmdArm:
		return c.sendCommandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0)
	case transport.CmdDisarm, transport.CmdEmergencyStop:
		return c.sendCommandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 0, 0, 0)
	case transport.CmdTakeoff:
		alt, _ := cmd.Parameters["altitude"].(float64)
		return c.sendCommandLong(common.MAV_CMD_NAV_TAKEOFF, 0, 0, float32(alt))
	case transport.CmdLand, transport.CmdEmergencyLand:
		return c.sendCommandLong(common.MAV_CMD_NAV_LAND, 0, 0, 0)
	case transport.CmdReturnToLaunch:
		return c.sendCommandLong(common.MAV_CMD_NAV_RETURN_TO_LAUNCH, 0, 0, 0)
	case transport.CmdPause:
		return c.setMode(px4Mode(PX4MainModeAuto, PX4AutoModeLoiter))
	case transport.CmdResume:
		return c.setMode(px4Mode(PX4MainModeAuto, PX4AutoModeMission))
	case transport.CmdGoToPosition:
		lat, _ := cmd.Parameters["latitude"].(float64)
		lon, _ := cmd.Parameters["longitude"].(float64)
		alt, _ := cmd.Parameters["altitude"].(float64)
		return c.goToPosition(lat, lon, alt)
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
}

func (c *Client) setMode(customMode uint32) error {
	return c.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    c.systemIDOrZero(),
		TargetComponent: 1,
		Command:         common.MAV_CMD_DO_SET_MODE,
		Param1:          float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		Param2:          float32(customMode),
	})
}

func (c *Client) goToPosition(lat, lon, alt float64) error {
	typeMask := uint16(0b0000110111111000) // position only: ignore velocity/accel/yaw
	return c.node.WriteMessageAll(&common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    c.systemIDOrZero(),
		TargetComponent: 1,
		TimeBootMs:      uint32(time.Now().UnixMilli()),
		CoordinateFrame: common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(typeMask),
		LatInt:          int32(lat * 1e7),
		LonInt:          int32(lon * 1e7),
		Alt:             float32(alt),
	})
}

// Close shuts down the client's goroutines and underlying node.
func (c *Client) Close() error {
	close(c.stopHeartbeat)
	select {
	case <-c.heartbeatDone:
	case <-time.After(2 * time.Second):
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.node.Close()
	return nil
}

// Manager multiplexes Send/IsConnected across every registered drone's
// Client, wrapping each in its own circuit breaker.
type Manager struct {
	mu       sync.RWMutex
	clients  map[sartypes.DroneId]*Client
	breakers map[sartypes.DroneId]*gobreaker.CircuitBreaker
	logger   *zap.Logger
	cache    *telemetrycache.Cache
}

// NewManager creates an empty Manager.
func NewManager(logger *zap.Logger, cache *telemetrycache.Cache) *Manager {
	return &Manager{
		clients:  make(map[sartypes.DroneId]*Client),
		breakers: make(map[sartypes.DroneId]*gobreaker.CircuitBreaker),
		logger:   logger,
		cache:    cache,
	}
}

// Connect dials the drone described by cfg and registers it.
func (m *Manager) Connect(cfg EndpointConfig) error {
	client, err := NewClient(cfg, m.logger, m.cache)
	if err != nil {
		return err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(cfg.DroneID),
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	m.mu.Lock()
	m.clients[cfg.DroneID] = client
	m.breakers[cfg.DroneID] = breaker
	m.mu.Unlock()
	return nil
}

// Disconnect closes and removes a drone's client.
func (m *Manager) Disconnect(id sartypes.DroneId) error {
	m.mu.Lock()
	client, ok := m.clients[id]
	delete(m.clients, id)
	delete(m.breakers, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

// Send implements transport.Transport. Priority 3 (emergency) bypasses
// the circuit breaker's open state: it must still be attempted even
// against a drone whose normal-priority breaker has tripped.
func (m *Manager) Send(ctx context.Context, id sartypes.DroneId, cmd transport.Command, priority transport.Priority) (transport.Result, error) {
	m.mu.RLock()
	client, ok := m.clients[id]
	breaker := m.breakers[id]
	m.mu.RUnlock()

	if !ok {
		return transport.Result{}, sarerrors.LostDrone("no mavlink client for drone", nil)
	}

	dispatch := func() error { return client.Dispatch(cmd) }

	if priority >= transport.PriorityEmergency {
		if err := dispatch(); err != nil {
			return transport.Result{}, sarerrors.Transport("emergency dispatch failed", err)
		}
		return transport.Result{Accepted: true}, nil
	}

	_, err := breaker.Execute(func() (any, error) { return nil, dispatch() })
	if err != nil {
		return transport.Result{}, sarerrors.Transport("dispatch failed", err)
	}
	return transport.Result{Accepted: true}, nil
}

// IsConnected implements transport.Transport.
func (m *Manager) IsConnected(id sartypes.DroneId) bool {
	m.mu.RLock()
	client, ok := m.clients[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return client.IsConnected()
}
