// Package api exposes the HTTP surface: capsule submission and
// management, template CRUD, and statistics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chronomail/chronomail/internal/admission"
	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/config"
	"github.com/chronomail/chronomail/internal/dispatcher"
	"github.com/chronomail/chronomail/internal/keystore"
	"github.com/chronomail/chronomail/internal/metrics"
	"github.com/chronomail/chronomail/internal/stats"
	"github.com/chronomail/chronomail/internal/template"
)

// Deps collects the components the API server fronts. Guard and Metrics
// may be nil; the corresponding middleware is then skipped.
type Deps struct {
	Repo       capsule.Repository
	Keys       *keystore.KeyStore
	Dispatcher *dispatcher.Dispatcher
	Templates  *template.Storage
	Stats      *stats.Aggregator
	Guard      *admission.Guard
	Metrics    *metrics.Metrics
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	repo       capsule.Repository
	keys       *keystore.KeyStore
	dispatcher *dispatcher.Dispatcher
	templates  *template.Storage
	engine     *template.Engine
	stats      *stats.Aggregator
	guard      *admission.Guard
	metrics    *metrics.Metrics
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		repo:       deps.Repo,
		keys:       deps.Keys,
		dispatcher: deps.Dispatcher,
		templates:  deps.Templates,
		engine:     template.NewEngine(),
		stats:      deps.Stats,
		guard:      deps.Guard,
		metrics:    deps.Metrics,
		config:     cfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware)
	}
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Capsule-affecting routes pass through the admission guard.
		r.Group(func(r chi.Router) {
			r.Use(s.admit("capsules"))
			r.Post("/capsules", s.handleCreateCapsule)
			r.Post("/capsules/{id}/resend", s.handleResendCapsule)
			r.Delete("/capsules/{id}", s.handleDeleteCapsule)
		})
		r.Get("/capsules", s.handleListCapsules)
		r.Get("/capsules/{id}", s.handleGetCapsule)

		r.Group(func(r chi.Router) {
			r.Use(s.admit("templates"))
			r.Post("/templates", s.handleCreateTemplate)
			r.Put("/templates/{id}", s.handleUpdateTemplate)
			r.Delete("/templates/{id}", s.handleDeleteTemplate)
		})
		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Post("/templates/{id}/render", s.handleRenderTemplate)

		r.Get("/stats/dashboard", s.handleStatsDashboard)
		r.Get("/stats/realtime", s.handleStatsRealtime)
		r.Post("/stats/collect", s.handleStatsCollect)

		r.Get("/keys", s.handleListKeys)
		r.Post("/keys/rotate", s.handleRotateKey)
	})
}

// admit wraps the admission guard middleware for a resource, passing
// requests straight through when no guard is configured.
func (s *Server) admit(resource string) func(http.Handler) http.Handler {
	if s.guard == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.guard.Middleware(resource)
}

// Router returns the configured handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
