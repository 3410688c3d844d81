// Package httpapi implements C10: the HTTP/WebSocket surface, wiring every
// request through rate-limiting, logging, and metrics instrumentation
// before dispatching to the domain components.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/canaria-net/canaria/internal/admin"
	"github.com/canaria-net/canaria/internal/hub"
	"github.com/canaria-net/canaria/internal/ingest"
	"github.com/canaria-net/canaria/internal/store"
	"github.com/canaria-net/canaria/pkg/config"
	"github.com/canaria-net/canaria/pkg/logger"
	"github.com/canaria-net/canaria/pkg/metrics"
	"github.com/canaria-net/canaria/pkg/ratelimit"
)

// Deps is everything the HTTP surface is wired against.
type Deps struct {
	Store   *store.Store
	Config  *config.Manager
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Hub     *hub.Hub
	Ingest  *ingest.Ingest
	Admin   *admin.Admin
	Log     *logger.Logger
}

// Server is C10: the HTTP surface plus its lifecycle.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	srv  *http.Server
}

// New builds a Server bound to addr with every route wired.
func New(addr string, deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.instrument(s.mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/events", s.handlePostEvents)
	s.mux.HandleFunc("GET /v1/events/latest", s.handleLatestEvent)
	s.mux.HandleFunc("GET /v1/events", s.handleListEvents)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/connections", s.handleConnections)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/monitoring", s.handleMonitoring)
	s.mux.HandleFunc("GET /v1/ws", s.handleWS)
	s.mux.HandleFunc("GET /admin/config", s.requireAdmin(s.handleGetConfig))
	s.mux.HandleFunc("PUT /admin/config", s.requireAdmin(s.handlePutConfig))
	s.mux.HandleFunc("GET /admin/dashboard", s.requireAdmin(s.handleDashboard))
	s.mux.HandleFunc("POST /admin/actions", s.requireAdmin(s.handleActions))
}

// Start begins serving and blocks until the listener stops. It returns nil
// when the listener was closed by Stop.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Stop shuts the server down gracefully; in-flight requests are given until
// ctx's deadline to finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
