// Package mission implements the Mission Execution Engine: a linear
// per-mission phase state machine driving drones through
// PREPARE -> TAKEOFF -> TRANSIT -> SEARCH -> RETURN -> LAND -> COMPLETE,
// grounded on the original system's mission_phases module (one function
// per phase, identical progress fractions and abort checks), plus a
// concurrent per-tick safety-check loop grounded on the original's
// mission monitor that watches battery and telemetry staleness
// independently of phase advancement.
package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

// Phase is one state in the mission state machine.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseTakeoff  Phase = "takeoff"
	PhaseTransit  Phase = "transit"
	PhaseSearch   Phase = "search"
	PhaseReturn   Phase = "return"
	PhaseLand     Phase = "land"
	PhaseComplete Phase = "complete"
	PhaseAborted  Phase = "aborted"
	PhaseFailed   Phase = "failed"
	PhasePaused   Phase = "paused"
)

// WaypointMode controls how a multi-drone mission's waypoints are
// assigned: every drone visits every waypoint ("shared"), or the
// waypoint list is split evenly across drones ("partitioned").
type WaypointMode string

const (
	WaypointModeShared      WaypointMode = "shared"
	WaypointModePartitioned WaypointMode = "partitioned"
)

// Waypoint is one search-area point, in WGS84 + meters MSL.
type Waypoint struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Thresholds are the mission's numeric safety bounds. Zero fields fall
// back to spec.md's fixed defaults.
type Thresholds struct {
	AltToleranceM               float64
	PosToleranceM               float64
	GroundToleranceM            float64
	CommunicationTimeoutSeconds int
	LowBatteryPercent           float64
	CriticalBatteryPercent      float64
	PrepareTimeoutSeconds       int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.AltToleranceM == 0 {
		t.AltToleranceM = 1.5
	}
	if t.PosToleranceM == 0 {
		t.PosToleranceM = 2.0
	}
	if t.GroundToleranceM == 0 {
		t.GroundToleranceM = 0.5
	}
	if t.CommunicationTimeoutSeconds == 0 {
		t.CommunicationTimeoutSeconds = 10
	}
	if t.LowBatteryPercent == 0 {
		t.LowBatteryPercent = 25
	}
	if t.CriticalBatteryPercent == 0 {
		t.CriticalBatteryPercent = 15
	}
	if t.PrepareTimeoutSeconds == 0 {
		t.PrepareTimeoutSeconds = 30
	}
	return t
}

// Spec describes a mission to run.
type Spec struct {
	ID           string
	Drones       []sartypes.DroneId
	Waypoints    []Waypoint
	WaypointMode WaypointMode
	Thresholds   Thresholds
}

// DroneProgress is one drone's position within a mission. Failed drones
// are excluded from the join-barrier checks (takeoff altitude, grounded
// after landing) so the remaining fleet can still progress. Transit and
// search send go-to commands without waiting for waypoint arrival.
type DroneProgress struct {
	WaypointIndex int
	Reached       bool
	Failed        bool
	FailReason    string
}

// State is the published view of a running mission.
type State struct {
	MissionID          string
	Phase              Phase
	Progress           float64
	DroneProgress      map[sartypes.DroneId]DroneProgress
	EmergencyTriggered bool
	Paused             bool
	UpdatedAt          time.Time
	FailureReason       string
}

// DefaultSafetyCheckInterval is how often the mission driver re-evaluates
// per-drone battery and telemetry-staleness safety rules, independent of
// normal phase advancement.
const DefaultSafetyCheckInterval = time.Second

// errForceReturn signals a phase function that a per-tick safety check
// has already decided the mission must transition to PhaseReturn; it is
// not a phase failure.
var errForceReturn = errors.New("mission forced to return by a safety check")

type run struct {
	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	paused      chan struct{} // closed while NOT paused; recreated on pause
	pauseMu     sync.Mutex
	abortReason string

	forceReturn     chan struct{}
	forceReturnOnce sync.Once

	finishOnce sync.Once
}

func (r *run) markFailed(d sartypes.DroneId, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dp := r.state.DroneProgress[d]
	if dp.Failed {
		return false
	}
	dp.Failed = true
	dp.FailReason = reason
	r.state.DroneProgress[d] = dp
	r.state.UpdatedAt = time.Now()
	return true
}

func (r *run) isFailed(d sartypes.DroneId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DroneProgress[d].Failed
}

func (r *run) triggerForceReturn() {
	r.forceReturnOnce.Do(func() { close(r.forceReturn) })
}

func (r *run) forceReturnRequested() bool {
	select {
	case <-r.forceReturn:
		return true
	default:
		return false
	}
}

func (r *run) getAbortReason(fallback string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortReason != "" {
		return r.abortReason
	}
	return fallback
}

// Engine runs missions. One Engine instance manages every concurrently
// active mission; each mission has exactly one goroutine driving its
// phase state machine (single-writer-per-mission discipline), plus one
// goroutine running its periodic safety checks.
type Engine struct {
	transport transport.Transport
	cache     *telemetrycache.Cache
	bus       *bus.Bus
	store     store.Store
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu      sync.RWMutex
	running map[string]*run
}

// New creates an Engine.
func New(t transport.Transport, cache *telemetrycache.Cache, b *bus.Bus, st store.Store, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		transport: t,
		cache:     cache,
		bus:       b,
		store:     st,
		logger:    logger,
		metrics:   metrics,
		running:   make(map[string]*run),
	}
}

// Start validates spec and launches its phase driver and safety-check
// goroutines, returning immediately with the mission id.
func (e *Engine) Start(ctx context.Context, spec Spec) (string, error) {
	if len(spec.Drones) == 0 {
		return "", sarerrors.Validation("mission requires at least one drone", nil)
	}
	if len(spec.Waypoints) == 0 {
		return "", sarerrors.Validation("mission requires at least one waypoint", nil)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	spec.Thresholds = spec.Thresholds.withDefaults()

	dp := make(map[sartypes.DroneId]DroneProgress, len(spec.Drones))
	for _, d := range spec.Drones {
		dp[d] = DroneProgress{}
	}

	r := &run{
		state: State{
			MissionID:     spec.ID,
			Phase:         PhasePrepare,
			DroneProgress: dp,
			UpdatedAt:     time.Now(),
		},
		forceReturn: make(chan struct{}),
	}
	r.paused = closedChan()

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	e.mu.Lock()
	e.running[spec.ID] = r
	e.mu.Unlock()

	if e.store != nil {
		_ = e.store.SaveMission(ctx, spec.ID, map[string]any{
			"drones":    spec.Drones,
			"waypoints": len(spec.Waypoints),
			"mode":      spec.WaypointMode,
		})
	}

	go e.drive(runCtx, spec, r)
	go e.safetyLoop(runCtx, spec, r)

	return spec.ID, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Shutdown cancels every still-running mission's driver so the process can
// exit without a dangling phase/safety goroutine. Missions already in a
// terminal phase are left untouched.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		terminal := isTerminal(r.state.Phase)
		if !terminal {
			r.abortReason = "server shutting down"
		}
		r.mu.Unlock()
		if !terminal {
			r.cancel()
		}
	}
	return nil
}

// ActiveMissionCount returns the number of missions not yet in a terminal
// phase, for the /emergency/status endpoint.
func (e *Engine) ActiveMissionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count := 0
	for _, r := range e.running {
		r.mu.Lock()
		terminal := isTerminal(r.state.Phase)
		r.mu.Unlock()
		if !terminal {
			count++
		}
	}
	return count
}

// GetState returns a snapshot of a mission's current state.
func (e *Engine) GetState(missionID string) (State, bool) {
	e.mu.RLock()
	r, ok := e.running[missionID]
	e.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, true
}

// Pause freezes phase advancement for missionID and commands every
// assigned drone to loiter in place. Per spec.md's resolved Open
// Question, pause is both a drone-side command and a server-side phase
// freeze.
func (e *Engine) Pause(ctx context.Context, missionID string, drones []sartypes.DroneId) error {
	r, ok := e.getRun(missionID)
	if !ok {
		return sarerrors.Validation("unknown mission", nil)
	}

	r.pauseMu.Lock()
	r.paused = make(chan struct{})
	r.pauseMu.Unlock()

	r.mu.Lock()
	r.state.Paused = true
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()

	for _, d := range drones {
		if _, err := e.transport.Send(ctx, d, transport.Command{Kind: transport.CmdPause}, transport.PriorityNormal); err != nil {
			e.logger.Warn("pause command failed", zap.String("drone_id", string(d)), zap.Error(err))
		}
	}
	return nil
}

// Resume un-freezes a paused mission and commands drones to continue.
func (e *Engine) Resume(ctx context.Context, missionID string, drones []sartypes.DroneId) error {
	r, ok := e.getRun(missionID)
	if !ok {
		return sarerrors.Validation("unknown mission", nil)
	}

	r.pauseMu.Lock()
	close(r.paused)
	r.pauseMu.Unlock()

	r.mu.Lock()
	r.state.Paused = false
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()

	for _, d := range drones {
		if _, err := e.transport.Send(ctx, d, transport.Command{Kind: transport.CmdResume}, transport.PriorityNormal); err != nil {
			e.logger.Warn("resume command failed", zap.String("drone_id", string(d)), zap.Error(err))
		}
	}
	return nil
}

// Abort cancels the mission's phase driver immediately; the driver marks
// it ABORTED with reason the next time it checks in (or immediately, if
// it is blocked on ctx at the time).
func (e *Engine) Abort(missionID, reason string) error {
	r, ok := e.getRun(missionID)
	if !ok {
		return sarerrors.Validation("unknown mission", nil)
	}
	r.mu.Lock()
	r.state.EmergencyTriggered = true
	r.abortReason = reason
	r.mu.Unlock()
	r.cancel()
	return nil
}

// AbortMissionsForDrone aborts every currently running, non-terminal
// mission that has drone assigned. Called by the EmergencyPipeline before
// it returns an outcome, so that no mission containing an affected drone
// advances past the point the emergency intent was accepted. The driver
// only updates state here; it never issues a competing command, since the
// pipeline has already dispatched a priority-3 command of its own.
func (e *Engine) AbortMissionsForDrone(drone sartypes.DroneId, reason string) []string {
	e.mu.RLock()
	var affected []*run
	var ids []string
	for id, r := range e.running {
		r.mu.Lock()
		_, assigned := r.state.DroneProgress[drone]
		terminal := isTerminal(r.state.Phase)
		r.mu.Unlock()
		if assigned && !terminal {
			affected = append(affected, r)
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	for _, r := range affected {
		r.mu.Lock()
		r.state.EmergencyTriggered = true
		r.abortReason = reason
		r.mu.Unlock()
		r.cancel()
	}
	return ids
}

func isTerminal(phase Phase) bool {
	switch phase {
	case PhaseComplete, PhaseAborted, PhaseFailed:
		return true
	default:
		return false
	}
}

func (e *Engine) getRun(missionID string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.running[missionID]
	return r, ok
}

// waitIfPaused blocks until the mission is resumed or ctx is cancelled.
func (e *Engine) waitIfPaused(ctx context.Context, r *run) error {
	r.pauseMu.Lock()
	ch := r.paused
	r.pauseMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) setPhase(r *run, phase Phase, progress float64) {
	r.mu.Lock()
	r.state.Phase = phase
	r.state.Progress = progress
	r.state.UpdatedAt = time.Now()
	snapshot := r.state
	r.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(sartypes.TopicMissionUpdates, snapshot)
	}
	if e.metrics != nil {
		e.metrics.MissionPhase.WithLabelValues(string(phase)).Inc()
	}
	if e.store != nil && isTerminal(phase) {
		go func() {
			if err := e.store.SaveMissionStateSnapshot(context.Background(), snapshot.MissionID, map[string]any{
				"phase":    string(phase),
				"progress": progress,
			}); err != nil {
				e.logger.Warn("mission state snapshot failed", zap.String("mission_id", snapshot.MissionID), zap.Error(err))
			}
		}()
	}
}

// skippable reports whether phase is one a forced return should jump
// past without executing.
func skippable(phase Phase) bool {
	switch phase {
	case PhaseTakeoff, PhaseTransit, PhaseSearch:
		return true
	default:
		return false
	}
}

// drive runs the phase table in order, aborting on ctx cancellation, a
// phase failure, or an emergency/low-battery pre-emption.
func (e *Engine) drive(ctx context.Context, spec Spec, r *run) {
	phases := []struct {
		phase Phase
		fn    func(context.Context, Spec, *run) error
	}{
		{PhasePrepare, e.phasePrepare},
		{PhaseTakeoff, e.phaseTakeoff},
		{PhaseTransit, e.phaseTransit},
		{PhaseSearch, e.phaseSearch},
		{PhaseReturn, e.phaseReturn},
		{PhaseLand, e.phaseLand},
	}

	for _, p := range phases {
		if err := e.waitIfPaused(ctx, r); err != nil {
			e.finish(r, PhaseAborted, r.getAbortReason("cancelled while paused"))
			return
		}
		if ctx.Err() != nil {
			e.finish(r, PhaseAborted, r.getAbortReason("mission cancelled"))
			return
		}

		r.mu.Lock()
		emergency := r.state.EmergencyTriggered
		r.mu.Unlock()
		if emergency {
			e.finish(r, PhaseAborted, r.getAbortReason("emergency triggered"))
			return
		}

		if skippable(p.phase) && r.forceReturnRequested() {
			continue
		}

		if err := p.fn(ctx, spec, r); err != nil {
			if errors.Is(err, errForceReturn) {
				continue
			}
			if ctx.Err() != nil {
				e.finish(r, PhaseAborted, r.getAbortReason("mission cancelled"))
				return
			}
			e.logger.Error("mission phase failed", zap.String("mission_id", spec.ID), zap.String("phase", string(p.phase)), zap.Error(err))
			e.finish(r, PhaseFailed, err.Error())
			return
		}
	}

	e.finish(r, PhaseComplete, "")
}

// finish sets the mission's terminal phase and tears down its run
// context. Idempotent: only the first caller (the phase driver or a
// safety check that decides every drone is lost) has any effect, since
// both can race to close out the same mission.
func (e *Engine) finish(r *run, phase Phase, reason string) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.state.FailureReason = reason
		progress := r.state.Progress
		r.mu.Unlock()
		if phase == PhaseComplete {
			progress = 1.0
		}
		e.setPhase(r, phase, progress)
		r.cancel()
	})
}

// safetyLoop runs spec.md's mandatory periodic per-drone safety checks
// every DefaultSafetyCheckInterval, independent of (and pre-empting)
// normal phase advancement.
func (e *Engine) safetyLoop(ctx context.Context, spec Spec, r *run) {
	ticker := time.NewTicker(DefaultSafetyCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runSafetyChecks(spec, r)
		}
	}
}

func (e *Engine) runSafetyChecks(spec Spec, r *run) {
	r.mu.Lock()
	phase := r.state.Phase
	r.mu.Unlock()
	if isTerminal(phase) {
		return
	}

	commTimeout := time.Duration(spec.Thresholds.CommunicationTimeoutSeconds) * time.Second

	for _, d := range spec.Drones {
		if r.isFailed(d) {
			continue
		}
		telem, ok := e.cache.Get(d)
		if !ok {
			continue
		}

		age := time.Since(telem.Timestamp)
		if age > 2*commTimeout {
			e.markDroneLost(spec, r, d, "telemetry gap exceeded twice the communication timeout")
			continue
		}
		if age > commTimeout {
			e.logger.Warn("stale heartbeat",
				zap.String("mission_id", spec.ID), zap.String("drone_id", string(d)), zap.Duration("age", age))
			if e.bus != nil {
				e.bus.Publish(sartypes.TopicAlerts, map[string]any{
					"type":       "stale_heartbeat",
					"mission_id": spec.ID,
					"drone_id":   string(d),
				})
			}
		}

		if telem.BatteryPercent <= 0 {
			continue // no reading yet
		}
		if telem.BatteryPercent <= spec.Thresholds.CriticalBatteryPercent {
			e.triggerCriticalBattery(spec, r, d, telem)
			continue
		}
		if telem.BatteryPercent <= spec.Thresholds.LowBatteryPercent {
			e.triggerLowBattery(spec, r, d, phase)
		}
	}
}

// triggerCriticalBattery forces that drone alone to an emergency land at
// priority 3, then checks whether the whole mission has run out of
// drones to fly it.
func (e *Engine) triggerCriticalBattery(spec Spec, r *run, d sartypes.DroneId, telem sartypes.Telemetry) {
	if !r.markFailed(d, "critical_battery") {
		return
	}
	e.logger.Warn("drone battery critical, forcing emergency land",
		zap.String("mission_id", spec.ID), zap.String("drone_id", string(d)), zap.Float64("battery_percent", telem.BatteryPercent))

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.transport.Send(sendCtx, d, transport.Command{Kind: transport.CmdEmergencyLand}, transport.PriorityEmergency); err != nil {
		e.logger.Error("emergency_land dispatch failed", zap.String("drone_id", string(d)), zap.Error(err))
	}

	if e.allDronesFailed(spec, r) {
		e.finish(r, PhaseFailed, "all drones lost")
	}
}

// triggerLowBattery forces the whole mission into PhaseReturn when a
// drone's battery crosses LowBatteryPercent during takeoff, transit, or
// search; it has no effect once the mission is already returning.
func (e *Engine) triggerLowBattery(spec Spec, r *run, d sartypes.DroneId, phase Phase) {
	if !skippable(phase) {
		return
	}
	r.triggerForceReturn()
	e.logger.Warn("drone battery low, forcing mission to return",
		zap.String("mission_id", spec.ID), zap.String("drone_id", string(d)))
	if e.bus != nil {
		e.bus.Publish(sartypes.TopicAlerts, map[string]any{
			"type":       "low_battery",
			"mission_id": spec.ID,
			"drone_id":   string(d),
		})
	}
}

func (e *Engine) markDroneLost(spec Spec, r *run, d sartypes.DroneId, reason string) {
	if !r.markFailed(d, reason) {
		return
	}
	e.logger.Warn("drone lost, excluding from mission progress",
		zap.String("mission_id", spec.ID), zap.String("drone_id", string(d)), zap.String("reason", reason))
	if e.bus != nil {
		e.bus.Publish(sartypes.TopicAlerts, map[string]any{
			"type":       "lost_drone",
			"mission_id": spec.ID,
			"drone_id":   string(d),
		})
	}
	if e.allDronesFailed(spec, r) {
		e.finish(r, PhaseFailed, "all drones lost")
	}
}

func (e *Engine) allDronesFailed(spec Spec, r *run) bool {
	for _, d := range spec.Drones {
		if !r.isFailed(d) {
			return false
		}
	}
	return true
}

// --- Phase implementations, grounded on original_source's
// mission_phases.py: identical progress fractions and control flow,
// translated from per-mission async functions into Go methods over the
// same Engine/Spec/run triple. ---

func (e *Engine) phasePrepare(ctx context.Context, spec Spec, r *run) error {
	deadline := time.Duration(spec.Thresholds.PrepareTimeoutSeconds) * time.Second
	prepCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, d := range spec.Drones {
		if !e.transport.IsConnected(d) {
			return fmt.Errorf("drone %s not connected", d)
		}
		telem, ok := e.cache.Get(d)
		if ok && telem.BatteryPercent > 0 && telem.BatteryPercent < spec.Thresholds.LowBatteryPercent {
			return fmt.Errorf("drone %s battery %.0f%% below launch threshold", d, telem.BatteryPercent)
		}
		if _, err := e.transport.Send(prepCtx, d, transport.Command{Kind: transport.CmdArm}, transport.PriorityNormal); err != nil {
			return fmt.Errorf("arm %s: %w", d, err)
		}
	}
	e.setPhase(r, PhasePrepare, 0.1)
	return nil
}

func (e *Engine) phaseTakeoff(ctx context.Context, spec Spec, r *run) error {
	if r.forceReturnRequested() {
		return errForceReturn
	}
	e.setPhase(r, PhaseTakeoff, 0.2)
	for _, d := range spec.Drones {
		if _, err := e.transport.Send(ctx, d, transport.Command{
			Kind:       transport.CmdTakeoff,
			Parameters: map[string]any{"altitude": firstWaypointAltitude(spec)},
		}, transport.PriorityNormal); err != nil {
			return fmt.Errorf("takeoff %s: %w", d, err)
		}
	}
	e.setPhase(r, PhaseTakeoff, 0.25)

	if err := e.waitForAltitude(ctx, spec, r); err != nil {
		return err
	}
	e.setPhase(r, PhaseTakeoff, 0.3)
	return nil
}

func firstWaypointAltitude(spec Spec) float64 {
	if len(spec.Waypoints) == 0 {
		return 0
	}
	return spec.Waypoints[0].Altitude
}

func (e *Engine) waitForAltitude(ctx context.Context, spec Spec, r *run) error {
	target := firstWaypointAltitude(spec)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.forceReturnRequested() {
			return errForceReturn
		}
		allThere := true
		for _, d := range spec.Drones {
			if r.isFailed(d) {
				continue
			}
			telem, ok := e.cache.Get(d)
			if !ok || abs(telem.AltitudeM-target) > spec.Thresholds.AltToleranceM {
				allThere = false
				break
			}
		}
		if allThere {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Engine) phaseTransit(ctx context.Context, spec Spec, r *run) error {
	if r.forceReturnRequested() {
		return errForceReturn
	}
	e.setPhase(r, PhaseTransit, 0.35)
	first := spec.Waypoints[0]
	for _, d := range spec.Drones {
		if r.isFailed(d) {
			continue
		}
		if _, err := e.transport.Send(ctx, d, transport.Command{
			Kind: transport.CmdGoToPosition,
			Parameters: map[string]any{
				"latitude": first.Latitude, "longitude": first.Longitude, "altitude": first.Altitude,
			},
		}, transport.PriorityNormal); err != nil {
			return fmt.Errorf("transit %s: %w", d, err)
		}
	}
	e.setPhase(r, PhaseTransit, 0.4)
	return nil
}

func (e *Engine) phaseSearch(ctx context.Context, spec Spec, r *run) error {
	assignments := assignWaypoints(spec)

	total := len(spec.Waypoints)
	for idx := 1; idx < total; idx++ {
		if err := e.waitIfPaused(ctx, r); err != nil {
			return err
		}
		if r.forceReturnRequested() {
			return errForceReturn
		}

		r.mu.Lock()
		emergency := r.state.EmergencyTriggered
		r.mu.Unlock()
		if emergency {
			return fmt.Errorf("emergency triggered during search")
		}

		for d, wps := range assignments {
			if r.isFailed(d) {
				continue
			}
			if idx >= len(wps) {
				continue
			}
			wp := wps[idx]
			if _, err := e.transport.Send(ctx, d, transport.Command{
				Kind: transport.CmdGoToPosition,
				Parameters: map[string]any{
					"latitude": wp.Latitude, "longitude": wp.Longitude, "altitude": wp.Altitude,
				},
			}, transport.PriorityNormal); err != nil {
				return fmt.Errorf("search waypoint %d for %s: %w", idx, d, err)
			}
		}

		progress := 0.4 + 0.4*float64(idx)/float64(total)
		e.setPhase(r, PhaseSearch, progress)
	}
	e.setPhase(r, PhaseSearch, 0.8)
	return nil
}

// assignWaypoints splits spec.Waypoints across spec.Drones according to
// spec.WaypointMode: every drone gets the full list in "shared" mode, or
// an even slice of it in "partitioned" mode.
func assignWaypoints(spec Spec) map[sartypes.DroneId][]Waypoint {
	out := make(map[sartypes.DroneId][]Waypoint, len(spec.Drones))
	if spec.WaypointMode != WaypointModePartitioned || len(spec.Drones) <= 1 {
		for _, d := range spec.Drones {
			out[d] = spec.Waypoints
		}
		return out
	}

	n := len(spec.Drones)
	chunk := (len(spec.Waypoints) + n - 1) / n
	for i, d := range spec.Drones {
		start := i * chunk
		if start >= len(spec.Waypoints) {
			out[d] = nil
			continue
		}
		end := start + chunk
		if end > len(spec.Waypoints) {
			end = len(spec.Waypoints)
		}
		out[d] = spec.Waypoints[start:end]
	}
	return out
}

func (e *Engine) phaseReturn(ctx context.Context, spec Spec, r *run) error {
	e.setPhase(r, PhaseReturn, 0.85)
	for _, d := range spec.Drones {
		if r.isFailed(d) {
			continue
		}
		if _, err := e.transport.Send(ctx, d, transport.Command{Kind: transport.CmdReturnToLaunch}, transport.PriorityRTL); err != nil {
			return fmt.Errorf("rtl %s: %w", d, err)
		}
	}
	e.setPhase(r, PhaseReturn, 0.9)
	return nil
}

func (e *Engine) phaseLand(ctx context.Context, spec Spec, r *run) error {
	e.setPhase(r, PhaseLand, 0.95)
	for _, d := range spec.Drones {
		if r.isFailed(d) {
			continue
		}
		if _, err := e.transport.Send(ctx, d, transport.Command{Kind: transport.CmdLand}, transport.PriorityNormal); err != nil {
			return fmt.Errorf("land %s: %w", d, err)
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		allGrounded := true
		for _, d := range spec.Drones {
			if r.isFailed(d) {
				continue
			}
			telem, ok := e.cache.Get(d)
			if !ok || telem.AltitudeM > spec.Thresholds.GroundToleranceM {
				allGrounded = false
				break
			}
		}
		if allGrounded {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	for _, d := range spec.Drones {
		if r.isFailed(d) {
			continue
		}
		if _, err := e.transport.Send(ctx, d, transport.Command{Kind: transport.CmdDisarm}, transport.PriorityNormal); err != nil {
			e.logger.Warn("post-landing disarm failed", zap.String("drone_id", string(d)), zap.Error(err))
		}
	}
	return nil
}
