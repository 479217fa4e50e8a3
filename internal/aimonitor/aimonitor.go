// Package aimonitor implements the periodic AI monitor: it evaluates
// fleet/telemetry state for triggers (critical/low battery, stale
// heartbeat, lost drone) and emits DecisionRecords, optionally executing
// the top recommendation autonomously. Grounded 1:1 on the original
// system's AIMonitor (_evaluate_triggers, _make_and_broadcast_decision,
// _maybe_execute).
package aimonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/emergency"
	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
)

// trigger is an internal finding produced by evaluate.
type trigger struct {
	kind     string
	droneID  sartypes.DroneId
	severity string
}

// Thresholds mirrors mission.Thresholds' battery/communication fields so
// this package doesn't need to import mission.
type Thresholds struct {
	LowBatteryPercent           float64
	CriticalBatteryPercent      float64
	CommunicationTimeoutSeconds int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.LowBatteryPercent == 0 {
		t.LowBatteryPercent = 25
	}
	if t.CriticalBatteryPercent == 0 {
		t.CriticalBatteryPercent = 15
	}
	if t.CommunicationTimeoutSeconds == 0 {
		t.CommunicationTimeoutSeconds = 10
	}
	return t
}

// Monitor is the periodic trigger-evaluation loop.
type Monitor struct {
	interval          time.Duration
	autonomousExecute bool
	thresholds        Thresholds

	registry  *registry.Registry
	cache     *telemetrycache.Cache
	bus       *bus.Bus
	store     store.Store
	emergency *emergency.Pipeline
	logger    *zap.Logger

	stop chan struct{}
	done chan struct{}
	mu   sync.Mutex
}

// New creates a Monitor. interval is clamped to [1s, 5s] exactly as the
// original AIMonitor clamps interval_seconds to [1.0, 5.0].
func New(interval time.Duration, autonomousExecute bool, thresholds Thresholds, reg *registry.Registry, cache *telemetrycache.Cache, b *bus.Bus, st store.Store, pipeline *emergency.Pipeline, logger *zap.Logger) *Monitor {
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return &Monitor{
		interval:          interval,
		autonomousExecute: autonomousExecute,
		thresholds:        thresholds.withDefaults(),
		registry:          reg,
		cache:             cache,
		bus:               b,
		store:             st,
		emergency:         pipeline,
		logger:            logger,
	}
}

// Start launches the evaluation loop. Idempotent: calling Start while
// already running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop signals the loop to exit and waits up to 2s for it to do so,
// matching the original's asyncio.wait_for(..., timeout=2.0).
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	done := m.done
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, trig := range m.evaluateTriggers() {
				decision := m.makeDecision(trig)
				if m.bus != nil {
					m.bus.Publish(sartypes.TopicAIDecisions, decision)
				}
				if m.store != nil {
					_ = m.store.AppendDecision(context.Background(), decision)
				}
				m.maybeExecute(ctx, decision)
			}
		}
	}
}

func (m *Monitor) evaluateTriggers() []trigger {
	var triggers []trigger
	now := time.Now()

	for _, telem := range m.cache.Snapshot() {
		switch {
		case telem.BatteryPercent > 0 && telem.BatteryPercent <= m.thresholds.CriticalBatteryPercent:
			triggers = append(triggers, trigger{kind: "critical_battery", droneID: telem.DroneID, severity: "critical"})
		case telem.BatteryPercent > 0 && telem.BatteryPercent <= m.thresholds.LowBatteryPercent:
			triggers = append(triggers, trigger{kind: "low_battery", droneID: telem.DroneID, severity: "high"})
		}
	}

	for _, rec := range m.registry.List() {
		if !rec.LastSeen.IsZero() {
			age := now.Sub(rec.LastSeen)
			if age > time.Duration(m.thresholds.CommunicationTimeoutSeconds)*time.Second {
				triggers = append(triggers, trigger{kind: "stale_heartbeat", droneID: rec.ID, severity: "high"})
			}
		}
		if rec.Status == sartypes.DroneOffline {
			triggers = append(triggers, trigger{kind: "lost_drone", droneID: rec.ID, severity: "critical"})
		}
	}

	return triggers
}

func (m *Monitor) makeDecision(t trigger) sartypes.DecisionRecord {
	var options []sartypes.DecisionOption
	var reasoning []string

	switch t.kind {
	case "low_battery", "critical_battery":
		options = []sartypes.DecisionOption{
			{OptionID: "rtl", Description: "Return-to-launch immediately",
				Parameters: map[string]any{"action": "rtl", "drone_id": string(t.droneID)},
				ConfidenceScore: 0.8, Reasoning: "Battery low; RTL maximizes safety"},
			{OptionID: "land", Description: "Land at current safe location",
				Parameters: map[string]any{"action": "land", "drone_id": string(t.droneID)},
				ConfidenceScore: 0.7, Reasoning: "Battery critical; immediate landing reduces crash risk"},
		}
		reasoning = []string{fmt.Sprintf("drone %s battery trigger: %s", t.droneID, t.kind)}
	case "stale_heartbeat", "lost_drone":
		options = []sartypes.DecisionOption{
			{OptionID: "pause_mission", Description: "Pause mission for affected drone",
				Parameters: map[string]any{"action": "pause", "drone_id": string(t.droneID)},
				ConfidenceScore: 0.6, Reasoning: "Pause to prevent unsafe autonomous continuation"},
			{OptionID: "reassign", Description: "Reassign area to alternate drone",
				Parameters: map[string]any{"action": "reassign", "from_drone_id": string(t.droneID)},
				ConfidenceScore: 0.55, Reasoning: "Maintain coverage by reallocating resources"},
		}
		reasoning = []string{fmt.Sprintf("drone %s connectivity trigger: %s", t.droneID, t.kind)}
	default:
		options = []sartypes.DecisionOption{
			{OptionID: "monitor", Description: "Monitor situation",
				Parameters: map[string]any{"action": "monitor"}, ConfidenceScore: 0.5, Reasoning: "No immediate risk detected"},
		}
	}

	authority := sartypes.AuthorityAdvisory
	if t.kind == "critical_battery" || t.kind == "lost_drone" {
		authority = sartypes.AuthorityEmergencyAutonomous
	} else if t.kind == "low_battery" || t.kind == "stale_heartbeat" {
		authority = sartypes.AuthorityAIAutonomous
	}

	return sartypes.DecisionRecord{
		DecisionID:     uuid.NewString(),
		CreatedAt:      time.Now(),
		DroneID:        t.droneID,
		TriggerType:    t.kind,
		Severity:       t.severity,
		SelectedOption: options[0],
		Alternatives:   options[1:],
		AuthorityLevel: authority,
		ReasoningChain: reasoning,
	}
}

// maybeExecute dispatches the selected option through the emergency
// pipeline when autonomous execution is enabled and the decision carries
// EMERGENCY_AUTONOMOUS authority (the critical-severity triggers). Only
// rtl and land selections are dispatched.
func (m *Monitor) maybeExecute(ctx context.Context, decision sartypes.DecisionRecord) {
	if !m.autonomousExecute || m.emergency == nil {
		return
	}
	if decision.AuthorityLevel != sartypes.AuthorityEmergencyAutonomous {
		return
	}

	action, _ := decision.SelectedOption.Parameters["action"].(string)
	var kind emergency.Kind
	switch action {
	case "rtl":
		kind = emergency.KindReturnToLaunch
	case "land":
		kind = emergency.KindLand
	default:
		return
	}

	outcome, err := m.emergency.Dispatch(ctx, emergency.Intent{
		Kind:     kind,
		Targets:  []sartypes.DroneId{decision.DroneID},
		Operator: "aimonitor",
	})
	if err != nil {
		m.logger.Error("autonomous execution failed", zap.Error(err))
		return
	}
	decision.AutoExecuted = true
	m.logger.Info("autonomous decision executed", zap.String("decision_id", decision.DecisionID), zap.Any("outcome", outcome))
}
