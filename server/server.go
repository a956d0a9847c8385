// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"forum-notifier/cron"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner triggers a notification run.
type Runner interface {
	Run(ctx context.Context) (*cron.Report, error)
}

// Server handles HTTP requests.
type Server struct {
	runner   Runner
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Runner   Runner
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		runner:   cfg.Runner,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
	}
}

// Handler returns the routes. Unsupported methods get 405 from the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/cronz", s.handleCron)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// A run can take a while; the write timeout covers the whole /cronz request.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Cron endpoint triggered")

	rep, err := s.runner.Run(r.Context())
	if errors.Is(err, cron.ErrRunInProgress) {
		http.Error(w, "Run already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Notification run failed", "error", err)
		http.Error(w, "Run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
