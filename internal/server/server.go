// Package server exposes the orchestrator's HTTP surface: the failure
// webhook, workflow queries, operational endpoints and SSE streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelops/remedy/internal/engine"
	"github.com/kestrelops/remedy/internal/ingress"
	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/internal/streaming"
	"github.com/kestrelops/remedy/pkg/schema"
)

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Store        store.Store
	Ingress      *ingress.Adapter
	Orchestrator *engine.Orchestrator
	Supervisor   *engine.Supervisor
	Registry     *peer.Registry
	Journal      journal.Journal
	Hub          streaming.EventHub
	Logger       *slog.Logger
	Version      string
}

// Server routes HTTP traffic to the orchestrator.
type Server struct {
	deps      Deps
	startedAt time.Time
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps, startedAt: time.Now().UTC()}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/failure", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /workflow/{id}", s.handleGetWorkflow)
	mux.HandleFunc("POST /workflow/{id}/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// ListenAndServe runs the server until the context is cancelled, then drains
// connections within the shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// writeJSON serializes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("response encode failed", "error", err)
	}
}

// writeError maps structured error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rerr *schema.RemedyError
	if !errors.As(err, &rerr) {
		rerr = schema.NewError(schema.ErrCodeInternal, "internal error").WithCause(err)
	}

	status := http.StatusInternalServerError
	switch rerr.Code {
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	}

	s.writeJSON(w, status, map[string]any{"error": rerr})
}
