// Package registry tracks the live fleet: which drones are known, their
// connectivity state, and their current mission assignment.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
)

// Registry is the fleet's source of truth for drone identity and status.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	drones map[sartypes.DroneId]*sartypes.DroneRecord
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		drones: make(map[sartypes.DroneId]*sartypes.DroneRecord),
		logger: logger,
	}
}

// Register adds a drone to the fleet, or overwrites its static fields if
// already present (status/assignment are left untouched on overwrite).
func (r *Registry) Register(id sartypes.DroneId, name string, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.drones[id]; ok {
		existing.Name = name
		existing.Tags = tags
		return
	}

	r.drones[id] = &sartypes.DroneRecord{
		ID:       id,
		Name:     name,
		Status:   sartypes.DroneOffline,
		LastSeen: time.Time{},
		Tags:     tags,
	}
	r.logger.Info("drone registered", zap.String("drone_id", string(id)), zap.String("name", name))
}

// Unregister removes a drone from the fleet entirely.
func (r *Registry) Unregister(id sartypes.DroneId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drones, id)
	r.logger.Info("drone unregistered", zap.String("drone_id", string(id)))
}

// Heartbeat marks a drone as seen now and online.
func (r *Registry) Heartbeat(id sartypes.DroneId, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return sarerrors.Validation("unknown drone", nil)
	}
	d.LastSeen = at
	if d.Status != sartypes.DroneOnline {
		r.logger.Info("drone back online", zap.String("drone_id", string(id)))
	}
	d.Status = sartypes.DroneOnline
	return nil
}

// Get returns a copy of the drone record.
func (r *Registry) Get(id sartypes.DroneId) (sartypes.DroneRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drones[id]
	if !ok {
		return sartypes.DroneRecord{}, false
	}
	return *d, true
}

// List returns a snapshot of every registered drone.
func (r *Registry) List() []sartypes.DroneRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sartypes.DroneRecord, 0, len(r.drones))
	for _, d := range r.drones {
		out = append(out, *d)
	}
	return out
}

// Assign records that id is flying mission missionID. Returns a
// ConflictError if the drone is already assigned to a different mission.
func (r *Registry) Assign(id sartypes.DroneId, missionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[id]
	if !ok {
		return sarerrors.Validation("unknown drone", nil)
	}
	if d.MissionID != "" && d.MissionID != missionID {
		return sarerrors.Conflict("drone already assigned to another mission", nil)
	}
	d.MissionID = missionID
	return nil
}

// Release clears a drone's mission assignment.
func (r *Registry) Release(id sartypes.DroneId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.drones[id]; ok {
		d.MissionID = ""
	}
}

// SweepStaleness transitions drones unseen for longer than
// communicationTimeout to degraded, and for longer than
// 2*communicationTimeout to offline. Intended to run on a ticker from the
// supervisor; mirrors the MarkOffline/CleanupOffline staleness pass used
// elsewhere in the fleet-tracking corpus.
func (r *Registry) SweepStaleness(now time.Time, communicationTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.drones {
		if d.LastSeen.IsZero() {
			continue
		}
		age := now.Sub(d.LastSeen)
		switch {
		case age > 2*communicationTimeout && d.Status != sartypes.DroneOffline:
			d.Status = sartypes.DroneOffline
			r.logger.Warn("drone went offline", zap.String("drone_id", string(d.ID)), zap.Duration("age", age))
		case age > communicationTimeout && d.Status == sartypes.DroneOnline:
			d.Status = sartypes.DroneDegraded
			r.logger.Warn("drone heartbeat stale", zap.String("drone_id", string(d.ID)), zap.Duration("age", age))
		}
	}
}

// Count returns the number of registered drones, and how many are online.
func (r *Registry) Count() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.drones)
	for _, d := range r.drones {
		if d.Status == sartypes.DroneOnline {
			online++
		}
	}
	return total, online
}
