package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/forkq/internal/auth"
	"github.com/mattjoyce/forkq/internal/config"
	"github.com/mattjoyce/forkq/internal/coordinator"
	"github.com/mattjoyce/forkq/internal/events"
	"github.com/mattjoyce/forkq/internal/protocol"
	"github.com/mattjoyce/forkq/internal/queue"
	"github.com/mattjoyce/forkq/internal/tasklog"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/forkq/internal/api Coordinator,TaskLog

// Coordinator is the part of the coordinator the API drives.
type Coordinator interface {
	Enqueue(taskType string, payload map[string]any, cb queue.ResponseFunc) (string, error)
	Submit(ctx context.Context, taskType string, payload map[string]any) (*queue.Response, error)
	Stats() coordinator.Snapshot
	WorkerStats(ctx context.Context) (*protocol.Stats, error)
}

// TaskLog looks up completed tasks.
type TaskLog interface {
	Get(ctx context.Context, id string) (*tasklog.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// RateLimit is the sustained task submissions per second; 0 disables limiting.
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
	// SyncTimeout bounds how long a synchronous submission waits.
	SyncTimeout time.Duration
	// Tokens enables bearer authentication; empty leaves every route open.
	Tokens []config.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	coord     Coordinator
	tasks     TaskLog
	events    *events.Hub
	gatherer  prometheus.Gatherer
	limiter   *rate.Limiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. tasks and gatherer may be nil.
func New(config Config, coord Coordinator, tasks TaskLog, hub *events.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Minute
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	s := &Server{
		config:    config,
		coord:     coord,
		tasks:     tasks,
		events:    hub,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	r := s.setupRoutes()
	if len(s.config.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
	}).Handler(r)
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.SyncTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatsRead)).Get("/stats", s.handleStats)
		r.With(s.requireScopes(auth.ScopeStatsRead)).Get("/stats/worker", s.handleWorkerStats)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
		if s.gatherer != nil {
			r.With(s.requireScopes(auth.ScopeMetricsRead)).Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}

		r.With(s.requireScopes(auth.ScopeTasksWrite), s.rateLimitMiddleware).Post("/tasks/{"+taskParam+"}", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeTasksRead)).Get("/tasks/{"+taskParam+"}", s.handleGetTask)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimitMiddleware refuses task submissions beyond the configured rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
