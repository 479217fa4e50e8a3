// Command fleetd is the fleet coordination server's process entrypoint,
// wiring config, logging, the domain components, and the HTTP surface
// together and serving until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flightpath-dev/sar-fleet-server/internal/aimonitor"
	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/config"
	"github.com/flightpath-dev/sar-fleet-server/internal/emergency"
	"github.com/flightpath-dev/sar-fleet-server/internal/httpapi"
	"github.com/flightpath-dev/sar-fleet-server/internal/mission"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/sartypes"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/supervisor"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/mavlink"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport/simulated"
)

func main() {
	sim := flag.Bool("sim", false, "use the in-memory simulated transport instead of dialing real MAVLink endpoints")
	autonomous := flag.Bool("autonomous", false, "allow the AI monitor to execute critical (emergency_autonomous) RTL/land decisions without an operator")
	flag.Parse()

	if err := run(*sim, *autonomous); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(useSimulated, autonomous bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics()
	reg := registry.New(logger)
	eventBus := bus.New(logger, metrics)
	cache := telemetrycache.New(eventBus)
	st := store.NewMemoryStore()

	// Every telemetry arrival marks its drone as seen and online.
	telemetrySub := eventBus.Subscribe(sartypes.TopicTelemetry, 0)
	go func() {
		for msg := range telemetrySub.C {
			if t, ok := msg.Payload.(sartypes.Telemetry); ok {
				_ = reg.Heartbeat(t.DroneID, t.Timestamp)
			}
		}
	}()

	var tr transport.Transport
	var simTransport *simulated.Transport
	if useSimulated {
		simTransport = simulated.New(cache)
		tr = simTransport
		seedSimulatedFleet(reg, simTransport)
	} else {
		tr, err = wireMAVLinkFleet(cfg, logger, cache, reg)
		if err != nil {
			return fmt.Errorf("wire mavlink fleet: %w", err)
		}
	}

	missionEngine := mission.New(tr, cache, eventBus, st, logger, metrics)

	emergencyPipeline := emergency.New(
		tr, missionEngine, eventBus, logger, metrics,
		time.Duration(cfg.Emergency.DeadlineSeconds)*time.Second,
		time.Duration(cfg.Emergency.IdempotenceWindowSeconds)*time.Second,
	)

	monitorThresholds := aimonitor.Thresholds{
		LowBatteryPercent:           cfg.Mission.LowBatteryPercent,
		CriticalBatteryPercent:      cfg.Mission.CriticalBatteryPercent,
		CommunicationTimeoutSeconds: cfg.Mission.CommunicationTimeoutSeconds,
	}
	monitor := aimonitor.New(2*time.Second, autonomous, monitorThresholds, reg, cache, eventBus, st, emergencyPipeline, logger)

	server := httpapi.New(cfg.ServerAddr(), cfg.Server.CORSOrigins, httpapi.Deps{
		Registry:  reg,
		Cache:     cache,
		Bus:       eventBus,
		Mission:   missionEngine,
		Emergency: emergencyPipeline,
		Transport: tr,
		Store:     st,
		Metrics:   metrics,
		Logger:    logger,
	})

	sup := supervisor.New(logger, reg, monitor, missionEngine, eventBus, simTransport,
		time.Duration(cfg.Mission.CommunicationTimeoutSeconds)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	logger.Info("fleet server listening", zap.String("addr", cfg.ServerAddr()), zap.Bool("simulated", useSimulated))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(ctx) }()

	select {
	case err := <-serveErr:
		stop()
		sup.Shutdown()
		return err
	case <-ctx.Done():
		sup.Shutdown()
		return nil
	}
}

// seedSimulatedFleet registers a small demo fleet so -sim is useful without
// any additional configuration.
func seedSimulatedFleet(reg *registry.Registry, tr *simulated.Transport) {
	demo := []struct {
		id       string
		name     string
		lat, lon float64
	}{
		{"drone-1", "Alpha", 37.7749, -122.4194},
		{"drone-2", "Bravo", 37.7755, -122.4180},
	}
	for _, d := range demo {
		reg.Register(sartypes.DroneId(d.id), d.name, nil)
		tr.Spawn(sartypes.DroneId(d.id), d.lat, d.lon, 0)
	}
}

// wireMAVLinkFleet dials every drone in the configured roster and keeps the
// registry in sync with roster changes via a filesystem watch.
func wireMAVLinkFleet(cfg *config.Config, logger *zap.Logger, cache *telemetrycache.Cache, reg *registry.Registry) (*mavlink.Manager, error) {
	manager := mavlink.NewManager(logger, cache)

	roster, err := config.LoadDroneRegistry(cfg.Server.DroneRegistryPath)
	if err != nil {
		return nil, err
	}
	for _, d := range roster.Drones {
		connectDrone(manager, reg, cfg, d, logger)
	}

	_, err = config.WatchDroneRegistry(cfg.Server.DroneRegistryPath, logger, func(_ *config.DroneRegistry, added []config.DroneConfig, removed []string) {
		for _, id := range removed {
			_ = manager.Disconnect(sartypes.DroneId(id))
			reg.Unregister(sartypes.DroneId(id))
		}
		for _, d := range added {
			connectDrone(manager, reg, cfg, d, logger)
		}
	})
	if err != nil {
		logger.Warn("drone registry hot-reload disabled", zap.Error(err))
	}

	return manager, nil
}

// connectDrone dials one roster entry. droneConfig.Protocol selects the
// application-level protocol (only "mavlink" is implemented; others are
// skipped, matching the teacher's connection service's protocol switch);
// the connection map's own "kind" key selects the transport (serial/tcp/udp),
// defaulting to "serial" the way the teacher's connection.go assumed a
// single serial "port" + "baud_rate" pair.
func connectDrone(manager *mavlink.Manager, reg *registry.Registry, cfg *config.Config, d config.DroneConfig, logger *zap.Logger) {
	reg.Register(sartypes.DroneId(d.ID), d.Name, nil)

	if d.Protocol != "" && d.Protocol != "mavlink" {
		logger.Warn("unsupported drone protocol, skipping", zap.String("drone_id", d.ID), zap.String("protocol", d.Protocol))
		return
	}

	kind := d.GetConnectionString("kind")
	if kind == "" {
		kind = "serial"
	}
	address := d.GetConnectionString("port")
	if address == "" {
		address = d.GetConnectionString("address")
	}
	baud := d.GetConnectionInt("baud_rate")
	if baud == 0 {
		baud = cfg.MAVLink.DefaultBaudRate
	}

	endpoint := mavlink.EndpointConfig{
		DroneID:  sartypes.DroneId(d.ID),
		Kind:     kind,
		Address:  address,
		BaudRate: baud,
	}
	if err := manager.Connect(endpoint); err != nil {
		logger.Error("failed to connect drone", zap.String("drone_id", d.ID), zap.Error(err))
	}
}
