// Package emergency implements the bounded-latency emergency command
// pipeline, grounded on the original system's EmergencyProtocols service:
// parallel per-drone dispatch with a deadline, priority escalation, and a
// short idempotence window so a retried client request doesn't double-fire.
package emergency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

// MissionAborter is the narrow slice of mission.Engine the pipeline
// needs: a way to drive every mission containing an affected drone to
// ABORTED before Dispatch returns, without importing the mission package
// directly (same seam pattern as transport.Transport).
type MissionAborter interface {
	AbortMissionsForDrone(drone sartypes.DroneId, reason string) []string
}

// Kind names an emergency intent.
type Kind string

const (
	KindEmergencyStop Kind = "emergency_stop"
	KindReturnToLaunch Kind = "return_to_launch"
	KindLand          Kind = "land"
	KindDisarmAll     Kind = "disarm_all"
)

// priority maps an intent kind to its dispatch priority. Emergency stop
// and disarm-all are the highest priority; RTL/land are one notch below,
// matching the original's priority=2 for "command_return_to_launch".
func (k Kind) priority() transport.Priority {
	switch k {
	case KindEmergencyStop, KindDisarmAll:
		return transport.PriorityEmergency
	default:
		return transport.PriorityRTL
	}
}

func (k Kind) command() string {
	switch k {
	case KindEmergencyStop:
		return transport.CmdEmergencyStop
	case KindReturnToLaunch:
		return transport.CmdReturnToLaunch
	case KindLand:
		return transport.CmdLand
	case KindDisarmAll:
		return transport.CmdDisarm
	default:
		return string(k)
	}
}

// Intent is one emergency request: a kind, the set of drones it targets,
// and who issued it.
type Intent struct {
	Kind      Kind
	Targets   []sartypes.DroneId
	Operator  string
	Reason    string
	Confirmed bool // required true for KindDisarmAll
	Deadline  time.Duration
}

// TargetOutcome is the per-drone result of dispatching an Intent.
type TargetOutcome struct {
	Drone   sartypes.DroneId
	Success bool
	Err     error
}

// Outcome is the aggregate result of Pipeline.Dispatch.
type Outcome struct {
	Kind            Kind
	Targets         []TargetOutcome
	AbortedMissions []string
	Deduped         bool
	StartedAt       time.Time
	Elapsed         time.Duration
}

// Pipeline dispatches emergency intents to the Transport in parallel,
// bounded by a deadline, with a short idempotence window to dedupe
// retried requests. It also drives every mission containing a target
// drone to ABORTED, and publishes the resulting Outcome on the alerts
// topic, before Dispatch returns.
type Pipeline struct {
	transport transport.Transport
	missions  MissionAborter
	bus       *bus.Bus
	logger    *zap.Logger
	metrics   *observability.Metrics

	defaultDeadline time.Duration
	idempotenceTTL  time.Duration

	mu   sync.Mutex
	seen map[string]idempotenceEntry
}

type idempotenceEntry struct {
	outcome Outcome
	at      time.Time
}

// New creates a Pipeline. defaultDeadline and idempotenceTTL of zero fall
// back to transport.DefaultEmergencyDeadline and one second respectively,
// matching spec.md's EMERGENCY_DEADLINE and idempotence-window defaults.
// missions and b may be nil (tests exercising dispatch alone), in which
// case mission abortion and alert fan-out are skipped.
func New(t transport.Transport, missions MissionAborter, b *bus.Bus, logger *zap.Logger, metrics *observability.Metrics, defaultDeadline, idempotenceTTL time.Duration) *Pipeline {
	if defaultDeadline <= 0 {
		defaultDeadline = transport.DefaultEmergencyDeadline
	}
	if idempotenceTTL <= 0 {
		idempotenceTTL = time.Second
	}
	return &Pipeline{
		transport:       t,
		missions:        missions,
		bus:             b,
		logger:          logger,
		metrics:         metrics,
		defaultDeadline: defaultDeadline,
		idempotenceTTL:  idempotenceTTL,
		seen:            make(map[string]idempotenceEntry),
	}
}

func idempotenceKey(intent Intent) string {
	targets := append([]sartypes.DroneId{}, intent.Targets...)
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = string(t)
	}
	return fmt.Sprintf("%s|%s|%s", intent.Kind, intent.Operator, strings.Join(parts, ","))
}

// Dispatch fans intent out to every target drone in parallel, bounded by
// intent.Deadline (or the pipeline default). disarm_all requires
// intent.Confirmed; all other kinds ignore it.
func (p *Pipeline) Dispatch(ctx context.Context, intent Intent) (Outcome, error) {
	if len(intent.Targets) == 0 {
		return Outcome{}, sarerrors.Validation("emergency intent has no targets", nil)
	}
	if intent.Kind == KindDisarmAll && !intent.Confirmed {
		return Outcome{}, sarerrors.Validation("disarm_all requires explicit confirmation", nil)
	}

	key := idempotenceKey(intent)
	p.mu.Lock()
	if entry, ok := p.seen[key]; ok && time.Since(entry.at) < p.idempotenceTTL {
		p.mu.Unlock()
		out := entry.outcome
		out.Deduped = true
		return out, nil
	}
	p.mu.Unlock()

	deadline := intent.Deadline
	if deadline <= 0 {
		deadline = p.defaultDeadline
	}
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()
	priority := intent.Kind.priority()
	cmd := transport.Command{Kind: intent.Kind.command()}

	results := make([]TargetOutcome, len(intent.Targets))
	group, gctx := errgroup.WithContext(dctx)
	for i, drone := range intent.Targets {
		i, drone := i, drone
		group.Go(func() error {
			_, err := p.transport.Send(gctx, drone, cmd, priority)
			results[i] = TargetOutcome{Drone: drone, Success: err == nil, Err: err}
			return nil // per-target errors are captured, not propagated
		})
	}
	_ = group.Wait()

	abortedMissions := p.abortAffectedMissions(intent)

	outcome := Outcome{
		Kind:            intent.Kind,
		Targets:         results,
		AbortedMissions: abortedMissions,
		StartedAt:       started,
		Elapsed:         time.Since(started),
	}

	now := time.Now()
	p.PruneIdempotence(now)
	p.mu.Lock()
	p.seen[key] = idempotenceEntry{outcome: outcome, at: now}
	p.mu.Unlock()

	allFailed := true
	for _, r := range results {
		label := "ok"
		if !r.Success {
			label = "error"
		} else {
			allFailed = false
		}
		if p.metrics != nil {
			p.metrics.EmergencyDispatch.WithLabelValues(string(intent.Kind), label).Inc()
		}
		if !r.Success {
			p.logger.Error("emergency dispatch failed for drone",
				zap.String("drone_id", string(r.Drone)), zap.String("kind", string(intent.Kind)), zap.Error(r.Err))
		}
	}

	if allFailed {
		p.triggerHardwareFailsafe(intent)
	}

	if p.bus != nil {
		p.bus.Publish(sartypes.TopicAlerts, outcome)
	}

	return outcome, nil
}

// abortAffectedMissions drives every mission containing a target drone to
// ABORTED before Dispatch returns, per spec.md §4.5's contract that no
// new phase transition can occur on an affected mission once an
// emergency intent has been accepted. Dedupes mission ids across targets
// that share a mission.
func (p *Pipeline) abortAffectedMissions(intent Intent) []string {
	if p.missions == nil {
		return nil
	}
	reason := intent.Reason
	if reason == "" {
		reason = fmt.Sprintf("emergency %s issued by %s", intent.Kind, intent.Operator)
	}

	seen := make(map[string]struct{})
	var aborted []string
	for _, drone := range intent.Targets {
		for _, id := range p.missions.AbortMissionsForDrone(drone, reason) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			aborted = append(aborted, id)
		}
	}
	return aborted
}

// triggerHardwareFailsafe is the last-resort path when every target
// rejected the dispatch, mirroring the original's
// _trigger_hardware_failsafe: it can only log, since by definition no
// transport channel accepted the command.
func (p *Pipeline) triggerHardwareFailsafe(intent Intent) {
	p.logger.Error("emergency dispatch failed for all targets; hardware failsafe is the only remaining layer",
		zap.String("kind", string(intent.Kind)), zap.Int("targets", len(intent.Targets)))
}

// PruneIdempotence drops idempotence entries older than the TTL. Dispatch
// calls it before recording each new outcome, so the map does not grow
// unbounded.
func (p *Pipeline) PruneIdempotence(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, entry := range p.seen {
		if now.Sub(entry.at) > p.idempotenceTTL {
			delete(p.seen, k)
		}
	}
}
