// Package server exposes the control plane HTTP API over chi: auth, store
// lifecycle, audit, health and metrics, with request tracing and the error
// envelope all handlers share.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/auth"
	"github.com/storeplane/storeplane/pkg/breaker"
	"github.com/storeplane/storeplane/pkg/config"
	"github.com/storeplane/storeplane/pkg/guardrails"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/metrics"
	"github.com/storeplane/storeplane/pkg/orchestrator"
	"github.com/storeplane/storeplane/pkg/permits"
	"github.com/storeplane/storeplane/pkg/registry"
)

// requestTimeout bounds every API request.
const requestTimeout = 30 * time.Second

// Orchestrator is the lifecycle surface the handlers drive.
type Orchestrator interface {
	CreateStore(ctx context.Context, req orchestrator.CreateRequest) (*registry.Store, error)
	GetStore(ctx context.Context, id string) (*registry.Store, error)
	ListStores(ctx context.Context, filter registry.ListFilter) ([]registry.Store, int, error)
	DeleteStore(ctx context.Context, id string) (*registry.Store, error)
	RetryStore(ctx context.Context, id string) (*registry.Store, error)
	GetStoreLogs(ctx context.Context, id string, limit, offset int) ([]audit.Event, int, error)
	GetConcurrencyStats() permits.Stats
}

// AuthService is the identity surface the handlers drive.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, email, password string) (*auth.User, string, error)
	VerifyToken(ctx context.Context, token string) (*auth.Identity, error)
	IssueToken(user *auth.User) (string, error)
}

// Pinger is the database health probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the server's collaborators.
type Deps struct {
	Orchestrator Orchestrator
	Auth         AuthService
	Audit        audit.Log
	Guard        *guardrails.Guard
	Metrics      *metrics.Set
	DB           Pinger
	// ClusterHealth probes the cluster; nil disables the check.
	ClusterHealth func(ctx context.Context) kube.Health
	Config        *config.Config
	Log           logr.Logger
}

// Server is the HTTP front of the control plane.
type Server struct {
	orch          Orchestrator
	auth          AuthService
	audit         audit.Log
	guard         *guardrails.Guard
	metrics       *metrics.Set
	db            Pinger
	clusterHealth func(ctx context.Context) kube.Health
	cfg           *config.Config
	log           logr.Logger

	httpServer *http.Server
	ready      atomic.Bool
}

// New builds the Server and its router.
func New(deps Deps) *Server {
	s := &Server{
		orch:          deps.Orchestrator,
		auth:          deps.Auth,
		audit:         deps.Audit,
		guard:         deps.Guard,
		metrics:       deps.Metrics,
		db:            deps.DB,
		clusterHealth: deps.ClusterHealth,
		cfg:           deps.Config,
		log:           deps.Log.WithName("http"),
	}
	s.ready.Store(true)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: s.cfg.CORSOrigin != "*",
		MaxAge:           300,
	}))
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleLiveness)
		r.Get("/health/ready", s.handleReadiness)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)

			r.Post("/auth/register", s.handleRegister)
			r.Post("/auth/login", s.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)

				r.Get("/auth/me", s.handleMe)

				r.Route("/stores", func(r chi.Router) {
					r.Post("/", s.handleCreateStore)
					r.Get("/", s.handleListStores)
					r.Get("/{id}", s.handleGetStore)
					r.Delete("/{id}", s.handleDeleteStore)
					r.Post("/{id}/retry", s.handleRetryStore)
					r.Get("/{id}/logs", s.handleStoreLogs)
				})

				r.Get("/audit", s.handleAudit)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAdmin)
					r.Handle("/metrics", s.metrics.Handler())
				})
			})
		})
	})

	return r
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown flips readiness and drains in-flight requests for up to 15 s.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("draining http server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth aggregates DB, cluster, limiter and breaker health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	checks := map[string]any{}

	dbHealthy := true
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			dbHealthy = false
			status = "degraded"
			checks["database"] = map[string]any{"healthy": false, "error": err.Error()}
		} else {
			checks["database"] = map[string]any{"healthy": true}
		}
	}

	if s.clusterHealth != nil {
		health := s.clusterHealth(ctx)
		checks["cluster"] = health
		if !health.Connected {
			status = "degraded"
		}
	}

	checks["concurrency"] = s.orch.GetConcurrencyStats()
	checks["circuitBreakers"] = breaker.States()

	code := http.StatusOK
	if !dbHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"status":    status,
		"checks":    checks,
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"status":    "alive",
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"requestId": RequestIDFrom(r.Context()),
			"status":    "shutting down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": RequestIDFrom(r.Context()),
		"status":    "ready",
	})
}
