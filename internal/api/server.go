// Package api serves the control plane's HTTP surface: webhook ingress,
// the task and installation APIs, health and metrics endpoints, and the
// SSE event stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/ingress"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/storage"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
)

type Server struct {
	cfg     *config.Config
	store   *task.Store
	queue   *queue.Queue
	ingress *ingress.Handler
	tokens  *token.Service
	archive *storage.Archive
	logger  *zap.Logger

	orgLimits      *limiterMap
	endpointLimits *limiterMap
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithIngress mounts the webhook handler under /webhooks/{provider}.
func WithIngress(h *ingress.Handler) ServerOption {
	return func(s *Server) { s.ingress = h }
}

// WithTokens enables the installation management endpoints.
func WithTokens(svc *token.Service) ServerOption {
	return func(s *Server) { s.tokens = svc }
}

// WithArchive enables the task transcript endpoint.
func WithArchive(a *storage.Archive) ServerOption {
	return func(s *Server) { s.archive = a }
}

func New(cfg *config.Config, store *task.Store, q *queue.Queue, logger *zap.Logger, opts ...ServerOption) *Server {
	srv := &Server{
		cfg:    cfg,
		store:  store,
		queue:  q,
		logger: logger,

		orgLimits: newLimiterMap("org",
			rate.Limit(float64(cfg.API.OrgRatePerHour)/3600.0), cfg.API.Burst),
		endpointLimits: newLimiterMap("endpoint",
			rate.Limit(float64(cfg.API.EndpointRatePerMinute)/60.0), cfg.API.Burst),
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Prune drops idle rate-limiter entries; the maintenance scheduler calls
// this hourly.
func (s *Server) Prune() {
	s.orgLimits.Prune()
	s.endpointLimits.Prune()
}

func (s *Server) Handler() http.Handler {
	// No router-wide timeout: the events endpoint holds its connection
	// open. Handler deadlines come from the HTTP server config.
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if s.ingress != nil {
		r.With(s.orgRateLimit).Post("/webhooks/{provider}", s.ingress.ServeWebhook)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.endpointRateLimit)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/transcript", s.handleTaskTranscript)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/tasks", s.handleCreateTask)
			r.Get("/installations", s.handleListInstallations)
			r.Post("/installations", s.handleCreateInstallation)
			r.Delete("/installations/{id}", s.handleRevokeInstallation)
		})
	})

	return r
}
