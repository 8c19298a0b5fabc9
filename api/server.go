// Package api exposes the sync engine's operational surface over HTTP:
// health, per-network status, backfill progress and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/backfill"
	"github.com/chainsync-io/chainsync/events"
)

// StatusSource exposes the engine state the server reports.
type StatusSource interface {
	// Status returns per-network sync status keyed by network name.
	Status() map[string]events.Status

	// Progress returns per-source backfill progress keyed by source id.
	Progress() map[string]backfill.Progress
}

// Server serves the operational HTTP endpoints.
type Server struct {
	config  *Config
	logger  *zap.Logger
	engine  StatusSource
	router  *chi.Mux
	server  *http.Server
	version string
}

// NewServer creates an API server reporting on the given engine.
func NewServer(config *Config, logger *zap.Logger, engine StatusSource, gatherer prometheus.Gatherer, version string) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  config,
		logger:  logger,
		engine:  engine,
		router:  chi.NewRouter(),
		version: version,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/status", s.handleStatus)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("address", s.config.Address()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Networks  map[string]events.Status `json:"networks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Networks:  s.engine.Status(),
	}
	writeJSON(w, s.logger, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"version": s.version})
}

// SourceProgress is one source's backfill progress in the status payload.
type SourceProgress struct {
	State       string  `json:"state"`
	TotalBlocks uint64  `json:"totalBlocks"`
	DoneBlocks  uint64  `json:"doneBlocks"`
	Percent     float64 `json:"percent"`
}

// StatusResponse is the full status payload.
type StatusResponse struct {
	Networks map[string]events.Status  `json:"networks"`
	Sources  map[string]SourceProgress `json:"sources"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sources := make(map[string]SourceProgress)
	for id, p := range s.engine.Progress() {
		sp := SourceProgress{
			State:       p.State.String(),
			TotalBlocks: p.TotalBlocks,
			DoneBlocks:  p.DoneBlocks,
		}
		if p.TotalBlocks > 0 {
			sp.Percent = 100 * float64(p.DoneBlocks) / float64(p.TotalBlocks)
		} else if p.State == backfill.StateComplete {
			sp.Percent = 100
		}
		sources[id] = sp
	}
	writeJSON(w, s.logger, http.StatusOK, StatusResponse{
		Networks: s.engine.Status(),
		Sources:  sources,
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}
