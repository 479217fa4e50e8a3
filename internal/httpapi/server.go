// Package httpapi implements the client-facing REST + WebSocket surface
// described in spec.md §6, routed with chi (the teacher routed its two
// Connect services over a bare http.ServeMux; this is widened to match
// the spec's larger REST surface) and served over h2c the way the
// teacher's server.go did.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/flightpath-dev/sar-fleet-server/internal/bus"
	"github.com/flightpath-dev/sar-fleet-server/internal/emergency"
	"github.com/flightpath-dev/sar-fleet-server/internal/mission"
	"github.com/flightpath-dev/sar-fleet-server/internal/observability"
	"github.com/flightpath-dev/sar-fleet-server/internal/registry"
	"github.com/flightpath-dev/sar-fleet-server/internal/sarerrors"
	"github.com/flightpath-dev/sar-fleet-server/internal/store"
	"github.com/flightpath-dev/sar-fleet-server/internal/telemetrycache"
	"github.com/flightpath-dev/sar-fleet-server/internal/transport"
)

// Deps bundles every component the HTTP surface reads from or calls into.
type Deps struct {
	Registry  *registry.Registry
	Cache     *telemetrycache.Cache
	Bus       *bus.Bus
	Mission   *mission.Engine
	Emergency *emergency.Pipeline
	Transport transport.Transport
	Store     store.Store
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	deps        Deps
	router      chi.Router
	validate    *validator.Validate
	addr        string
	corsOrigins []string
}

// New builds a Server bound to addr, allowing corsOrigins.
func New(addr string, corsOrigins []string, deps Deps) *Server {
	s := &Server{
		deps:        deps,
		router:      chi.NewRouter(),
		validate:    validator.New(),
		addr:        addr,
		corsOrigins: corsOrigins,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(requestLogging(s.deps.Logger))
	s.router.Use(recovery(s.deps.Logger))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/metrics", s.handleMetrics)

	s.router.Route("/drones", func(r chi.Router) {
		r.Get("/", s.handleListDrones)
		r.Get("/{droneID}", s.handleGetDrone)
		r.Get("/{droneID}/telemetry", s.handleGetTelemetry)
	})

	s.router.Route("/missions", func(r chi.Router) {
		r.Post("/", s.handleCreateMission)
		r.Get("/", s.handleListMissions)
		r.Get("/{missionID}", s.handleGetMission)
		r.Post("/{missionID}/pause", s.handlePauseMission)
		r.Post("/{missionID}/resume", s.handleResumeMission)
		r.Post("/{missionID}/abort", s.handleAbortMission)
	})

	s.router.Route("/emergency", func(r chi.Router) {
		r.Post("/stop-all", s.handleEmergencyStopAll)
		r.Post("/rtl", s.handleEmergencyRTL)
		r.Post("/kill", s.handleEmergencyKill)
		r.Get("/status", s.handleEmergencyStatus)
	})

	s.router.Get("/ws", s.handleWebSocket)
}

// Handler returns the fully wrapped handler, including the h2c upgrade
// the teacher's server.go performed to serve the Connect protocol over
// cleartext HTTP/2; kept here since the WebSocket + REST surface benefits
// from the same transport.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.router, &http2.Server{})
}

// ListenAndServe starts the HTTP server. Blocks until ctx is cancelled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

func mapError(w http.ResponseWriter, err error) {
	kind := sarerrors.KindOf(err)
	writeError(w, kind.HTTPStatus(), string(kind), err.Error())
}
