package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the Prometheus instruments shared across components.
// A single instance is constructed at startup and passed down to the bus,
// transport, and mission packages rather than relying on the global
// default registry, so tests can construct their own isolated Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	BusPublished     *prometheus.CounterVec
	BusDropped       *prometheus.CounterVec
	BusSubscribers   *prometheus.GaugeVec
	BusLagged        *prometheus.CounterVec
	TransportSends   *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	EmergencyDispatch *prometheus.CounterVec
	MissionPhase     *prometheus.GaugeVec
}

// NewMetrics builds and registers every instrument against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_bus_published_total",
			Help: "Messages published per topic.",
		}, []string{"topic"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_bus_dropped_total",
			Help: "Messages dropped per topic due to a full subscriber queue.",
		}, []string{"topic"}),
		BusSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sar_bus_subscribers",
			Help: "Active subscribers per topic.",
		}, []string{"topic"}),
		BusLagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_bus_subscribers_terminated_total",
			Help: "Subscribers terminated for exceeding the consecutive-lag limit.",
		}, []string{"topic"}),
		TransportSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_transport_sends_total",
			Help: "Commands sent per drone.",
		}, []string{"drone_id", "command"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_transport_errors_total",
			Help: "Command send failures per drone.",
		}, []string{"drone_id", "command"}),
		EmergencyDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sar_emergency_dispatch_total",
			Help: "Emergency intents dispatched, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		MissionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sar_missions_in_phase",
			Help: "Number of missions currently in each phase.",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		m.BusPublished, m.BusDropped, m.BusSubscribers, m.BusLagged,
		m.TransportSends, m.TransportErrors, m.EmergencyDispatch, m.MissionPhase,
	)
	return m
}
