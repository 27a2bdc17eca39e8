package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgsage/pgsage/internal/auth"
	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/jobs"
)

type Server struct {
	db      database.DB
	authSvc *auth.Service
	queue   *jobs.Queue
	refresh *refreshRunner
	worker  *jobs.WorkerPool
	logger  *slog.Logger
	metrics *httpMetrics
	handler http.Handler
	mux     *http.ServeMux
}

// ServerOptions carries the collaborators the refresh pipeline needs.
// Scanner and Advisor may be nil: projects without a repository skip
// scanning, and without an advisor suggestions are heuristic only.
type ServerOptions struct {
	Introspector SchemaIntrospector
	Scanner      CodeScanner
	Advisor      SuggestionAdvisor
	Queue        *jobs.Queue
	Workers      int
	PollInterval time.Duration
	Logger       *slog.Logger
}

func NewServer(db database.DB, authSvc *auth.Service, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := opts.Queue
	if queue == nil {
		queue = jobs.NewQueue(db, jobs.QueueOptions{})
	}

	s := &Server{
		db:      db,
		authSvc: authSvc,
		queue:   queue,
		logger:  logger,
		metrics: getDefaultHTTPMetrics(),
		mux:     http.NewServeMux(),
	}
	s.refresh = &refreshRunner{
		db:           db,
		queue:        queue,
		introspector: opts.Introspector,
		scanner:      opts.Scanner,
		advisor:      opts.Advisor,
		logger:       logger,
		metrics:      s.metrics,
	}
	s.worker = jobs.NewWorkerPool(queue, s.refresh.process, jobs.WorkerPoolOptions{
		Workers:      opts.Workers,
		PollInterval: opts.PollInterval,
		Logger:       logger,
	})

	s.routes()

	handler := http.Handler(s.mux)
	handler = auth.Middleware(s.authSvc)(handler)
	handler = requestTracingMiddleware(handler)
	handler = requestMetricsMiddleware(s.metrics, handler)
	handler = requestLoggingMiddleware(handler)
	handler = requestBodyLimitMiddleware(handler)
	s.handler = handler
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Auth
	s.mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/v1/user", s.requireAuth(s.handleGetCurrentUser))

	// Projects
	s.mux.HandleFunc("POST /api/v1/projects", s.requireAuth(s.handleCreateProject))
	s.mux.HandleFunc("GET /api/v1/projects", s.requireAuth(s.handleListProjects))
	s.mux.HandleFunc("GET /api/v1/projects/{id}", s.requireAuth(s.handleGetProject))
	s.mux.HandleFunc("PUT /api/v1/projects/{id}", s.requireAuth(s.handleUpdateProject))
	s.mux.HandleFunc("DELETE /api/v1/projects/{id}", s.requireAuth(s.handleDeleteProject))

	// Refresh
	s.mux.HandleFunc("POST /api/v1/projects/{id}/refresh", s.requireAuth(s.handleTriggerRefresh))
	s.mux.HandleFunc("GET /api/v1/projects/{id}/refresh", s.requireAuth(s.handleRefreshStatus))

	// Schema
	s.mux.HandleFunc("GET /api/v1/projects/{id}/schema", s.requireAuth(s.handleGetSchema))

	// Suggestions
	s.mux.HandleFunc("GET /api/v1/projects/{id}/suggestions", s.requireAuth(s.handleListSuggestions))
	s.mux.HandleFunc("POST /api/v1/projects/{id}/suggestions/{sid}/apply", s.requireAuth(s.handleApplySuggestion))
	s.mux.HandleFunc("POST /api/v1/projects/{id}/suggestions/{sid}/dismiss", s.requireAuth(s.handleDismissSuggestion))

	// Code scans
	s.mux.HandleFunc("POST /api/v1/projects/{id}/scans", s.requireAuth(s.handleTriggerScan))
	s.mux.HandleFunc("GET /api/v1/projects/{id}/scans", s.requireAuth(s.handleListScans))
	s.mux.HandleFunc("GET /api/v1/projects/{id}/scans/{sid}/usage", s.requireAuth(s.handleScanUsage))

	// Operational
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler(nil))
}

func (s *Server) requireAuth(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.GetClaims(r.Context()) == nil {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		fn(w, r)
	}
}

func (s *Server) StartBackgroundWorkers(ctx context.Context) error {
	return s.worker.Start(ctx)
}

func (s *Server) StopBackgroundWorkers(ctx context.Context) error {
	return s.worker.Stop(ctx)
}
