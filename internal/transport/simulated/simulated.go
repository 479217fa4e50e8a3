// Package simulated provides an in-memory drone simulator implementing
// transport.Transport, grounded on the original system's demo drone
// simulator: drones converge on a commanded waypoint/altitude over time
// and report telemetry accordingly. This is the seam that lets the
// mission engine and emergency pipeline be tested without real aircraft.
package simulated

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

// SpeedMps is how fast a simulated drone closes on its target position.
const SpeedMps = 8.0

// ClimbMps is how fast a simulated drone closes on its target altitude.
const ClimbMps = 2.0

type drone struct {
	mu          sync.Mutex
	connected   bool
	armed       bool
	lat, lon    float64
	alt         float64
	targetLat   float64
	targetLon   float64
	targetAlt   float64
	battery     float64
	mode        string
}

// Transport simulates N drones, advancing their state on a tick and
// writing telemetry into the shared cache.
type Transport struct {
	mu     sync.Mutex
	drones map[sartypes.DroneId]*drone
	cache  *telemetrycache.Cache
}

// New creates a simulator writing telemetry updates into cache.
func New(cache *telemetrycache.Cache) *Transport {
	return &Transport{
		drones: make(map[sartypes.DroneId]*drone),
		cache:  cache,
	}
}

// Spawn adds a simulated drone at the given origin with a full battery.
func (t *Transport) Spawn(id sartypes.DroneId, lat, lon, alt float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drones[id] = &drone{
		connected: true,
		lat:       lat,
		lon:       lon,
		alt:       alt,
		targetLat: lat,
		targetLon: lon,
		targetAlt: alt,
		battery:   100,
		mode:      "loiter",
	}
}

func (t *Transport) get(id sartypes.DroneId) (*drone, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.drones[id]
	return d, ok
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, id sartypes.DroneId, cmd transport.Command, priority transport.Priority) (transport.Result, error) {
	d, ok := t.get(id)
	if !ok {
		return transport.Result{}, context.DeadlineExceeded
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch cmd.Kind {
	case transport.CmdArm:
		d.armed = true
	case transport.CmdDisarm, transport.CmdEmergencyStop:
		d.armed = false
		d.mode = "stopped"
	case transport.CmdTakeoff:
		if alt, ok := cmd.Parameters["altitude"].(float64); ok {
			d.targetAlt = alt
		}
		d.mode = "takeoff"
	case transport.CmdLand:
		d.targetAlt = 0
		d.mode = "land"
	case transport.CmdEmergencyLand:
		d.targetAlt = 0
		d.mode = "emergency_land"
	case transport.CmdReturnToLaunch:
		d.targetLat, d.targetLon, d.targetAlt = d.lat, d.lon, 0
		d.mode = "rtl"
	case transport.CmdGoToPosition:
		if lat, ok := cmd.Parameters["latitude"].(float64); ok {
			d.targetLat = lat
		}
		if lon, ok := cmd.Parameters["longitude"].(float64); ok {
			d.targetLon = lon
		}
		if alt, ok := cmd.Parameters["altitude"].(float64); ok {
			d.targetAlt = alt
		}
		d.mode = "mission"
	case transport.CmdPause:
		d.mode = "loiter"
	case transport.CmdResume:
		d.mode = "mission"
	}

	return transport.Result{Accepted: true}, nil
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected(id sartypes.DroneId) bool {
	d, ok := t.get(id)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Tick advances every drone's simulated position/battery by dt and writes
// a fresh telemetry snapshot into the cache. Intended to be called from a
// ticker goroutine owned by the supervisor.
func (t *Transport) Tick(dt time.Duration) {
	t.mu.Lock()
	ids := make([]sartypes.DroneId, 0, len(t.drones))
	for id := range t.drones {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		d, ok := t.get(id)
		if !ok {
			continue
		}
		d.mu.Lock()
		step(&d.lat, d.targetLat, SpeedMps*dt.Seconds()/111320.0)
		step(&d.lon, d.targetLon, SpeedMps*dt.Seconds()/111320.0)
		step(&d.alt, d.targetAlt, ClimbMps*dt.Seconds())
		if d.armed {
			d.battery = math.Max(0, d.battery-0.01*dt.Seconds())
		}
		snapshot := sartypes.Telemetry{
			DroneID:        id,
			Timestamp:      time.Now(),
			Latitude:       d.lat,
			Longitude:      d.lon,
			AltitudeM:      d.alt,
			BatteryPercent: d.battery,
			Armed:          d.armed,
			FlightMode:     d.mode,
			SensorsHealthy: true,
			SatelliteCount: 12,
			GPSAccuracyM:   1.0,
		}
		d.mu.Unlock()

		if t.cache != nil {
			t.cache.Ingest(snapshot)
		}
	}
}

func step(current *float64, target, maxDelta float64) {
	delta := target - *current
	if math.Abs(delta) <= maxDelta {
		*current = target
		return
	}
	if delta > 0 {
		*current += maxDelta
	} else {
		*current -= maxDelta
	}
}
