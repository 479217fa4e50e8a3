// Package supervisor owns the ordered startup and shutdown of the fleet
// server's long-running components, the way the teacher's server package
// sequenced listener/service construction before serving traffic.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/aimonitor"
	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/mission"
	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/simulated"
)

// StalenessSweepInterval is how often the registry is checked for drones
// that have gone quiet.
const StalenessSweepInterval = 2 * time.Second

// SimulatedTickInterval is how often a simulated transport is advanced,
// chosen to produce visibly smooth telemetry without flooding the bus.
const SimulatedTickInterval = 250 * time.Millisecond

// Component is one long-running piece of the server the Supervisor drains
// in order on shutdown.
type Component struct {
	Name string
	Stop func(context.Context) error
}

// Supervisor starts the server's background components and, on shutdown,
// drains them in a fixed order: AIMonitor first (it is the only component
// that issues commands derived from the others' data), then MissionEngine
// (so no mission driver is left running once the AI monitor can no longer
// feed it), then the fan-out bus (so late publishes from the above don't
// land on a bus nobody stops), and finally the telemetry cache/registry's
// own sweep loop.
type Supervisor struct {
	logger      *zap.Logger
	registry    *registry.Registry
	monitor     *aimonitor.Monitor
	mission     *mission.Engine
	bus         *bus.Bus
	simulated   *simulated.Transport
	commTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor. sim may be nil when the server is wired to a
// real MAVLink fleet instead of the in-memory simulator. mission and b may
// be nil in tests that only exercise the registry sweep/simulated ticker.
func New(logger *zap.Logger, reg *registry.Registry, monitor *aimonitor.Monitor, missionEngine *mission.Engine, b *bus.Bus, sim *simulated.Transport, commTimeout time.Duration) *Supervisor {
	return &Supervisor{
		logger:      logger,
		registry:    reg,
		monitor:     monitor,
		mission:     missionEngine,
		bus:         b,
		simulated:   sim,
		commTimeout: commTimeout,
	}
}

// Run starts every component and blocks until ctx is cancelled, then stops
// them in dependency order.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("supervisor starting")
	go s.sweepLoop(runCtx)
	if s.simulated != nil {
		go s.tickLoop(runCtx)
	}
	s.monitor.Start(runCtx)

	<-runCtx.Done()

	for _, c := range s.components() {
		if err := c.Stop(context.Background()); err != nil {
			s.logger.Warn("component stop failed", zap.String("component", c.Name), zap.Error(err))
		}
	}

	s.logger.Info("supervisor stopped")
	close(s.done)
}

// components returns the shutdown-ordered component list: AIMonitor ->
// MissionEngine -> FanOutBus -> Registry/TelemetryCache. Nil components
// (mission engine or bus not wired, e.g. in a narrower test) are skipped.
func (s *Supervisor) components() []Component {
	var out []Component
	out = append(out, Component{Name: "AIMonitor", Stop: func(context.Context) error {
		s.monitor.Stop()
		return nil
	}})
	if s.mission != nil {
		out = append(out, Component{Name: "MissionEngine", Stop: func(ctx context.Context) error {
			return s.mission.Shutdown(ctx)
		}})
	}
	if s.bus != nil {
		out = append(out, Component{Name: "FanOutBus", Stop: func(context.Context) error {
			s.bus.Close()
			return nil
		}})
	}
	out = append(out, Component{Name: "Registry", Stop: func(context.Context) error {
		return nil // no owned resources beyond the sweep goroutine, already stopped via runCtx
	}})
	return out
}

// Shutdown cancels the run context and waits for Run to finish unwinding.
func (s *Supervisor) Shutdown() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(StalenessSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.SweepStaleness(time.Now(), s.commTimeout)
		}
	}
}

func (s *Supervisor) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(SimulatedTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.simulated.Tick(SimulatedTickInterval)
		}
	}
}
