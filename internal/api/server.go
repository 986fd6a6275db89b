// Package api is the HTTP surface: upload intake, existence probes, and
// code-intelligence requests, plus health and metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lsifd/internal/backend"
	"lsifd/internal/config"
	"lsifd/internal/jobs"
	"lsifd/internal/logging"
	"lsifd/internal/metrics"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

// Server is the HTTP API server.
type Server struct {
	router  *http.ServeMux
	server  *http.Server
	addr    string
	logger  *logging.Logger
	metrics *metrics.Metrics

	backend  *backend.Backend
	jobStore *jobs.Store
	xrepo    *xrepo.Store
	paths    *storage.PathSet
	git      xrepo.GitserverClient

	maxUploadSize int64
	maxAttempts   int
}

// NewServer creates an API server listening on port. git may be nil when no
// repository host is reachable.
func NewServer(logger *logging.Logger, m *metrics.Metrics, cfg *config.Config, b *backend.Backend, jobStore *jobs.Store, xrepoStore *xrepo.Store, paths *storage.PathSet, git xrepo.GitserverClient) *Server {
	s := &Server{
		router:        http.NewServeMux(),
		addr:          fmt.Sprintf(":%d", cfg.HTTPPort),
		logger:        logger,
		metrics:       m,
		backend:       b,
		jobStore:      jobStore,
		xrepo:         xrepoStore,
		paths:         paths,
		git:           git,
		maxUploadSize: cfg.MaxUploadSize,
		maxAttempts:   cfg.Queue.MaxAttempts,
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.applyMiddleware(s.router),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/upload", s.handleUpload)
	s.router.HandleFunc("/exists", s.handleExists)
	s.router.HandleFunc("/request", s.handleRequest)
	s.router.HandleFunc("/jobs/", s.handleGetJob)
	s.router.HandleFunc("/healthz", s.handleHealth)
	s.router.HandleFunc("/ping", s.handlePing)
	s.router.Handle("/metrics", promhttp.Handler())
}

// applyMiddleware wraps the handler with the middleware chain. Order
// matters: recovery is outermost so it catches panics in everything below.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = s.requestIDMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", map[string]interface{}{
		"addr": s.addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP API server", nil)
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler with the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyMiddleware(s.router).ServeHTTP(w, r)
}
