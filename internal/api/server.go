// Package api provides the HTTP and websocket surface for displaywatch.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lukaswerner/displaywatch/internal/monitor"
	"github.com/lukaswerner/displaywatch/internal/notify"
	"github.com/lukaswerner/displaywatch/internal/store"
	"github.com/lukaswerner/displaywatch/internal/stream"
)

// Server is the HTTP server for displaywatch.
type Server struct {
	store      *store.Store
	hub        *stream.Hub
	monitor    *monitor.Monitor
	dispatcher *notify.Dispatcher
	cfg        Options
	mux        *http.ServeMux
	server     *http.Server
}

// Options carries the handler-level tuning knobs.
type Options struct {
	// PerformanceThresholdMs raises a performance_degraded alert when a
	// reported response time exceeds it. Zero disables the check.
	PerformanceThresholdMs int64
}

// NewServer creates a new HTTP server.
func NewServer(addr string, st *store.Store, hub *stream.Hub, mon *monitor.Monitor, dispatcher *notify.Dispatcher, opts Options) *Server {
	srv := &Server{
		store:      st,
		hub:        hub,
		monitor:    mon,
		dispatcher: dispatcher,
		cfg:        opts,
		mux:        http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Heartbeat ingest
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)

	// Display status and history
	s.mux.HandleFunc("GET /api/displays", s.handleDisplays)
	s.mux.HandleFunc("GET /api/displays/{id}/status", s.handleDisplayStatus)
	s.mux.HandleFunc("GET /api/displays/{id}/heartbeats", s.handleDisplayHeartbeats)
	s.mux.HandleFunc("GET /api/displays/{id}/stats", s.handleDisplayStats)
	s.mux.HandleFunc("GET /api/displays/{id}/hourly", s.handleDisplayHourly)

	// Alerts
	s.mux.HandleFunc("GET /api/alerts/active", s.handleActiveAlerts)
	s.mux.HandleFunc("GET /api/alerts/unacknowledged", s.handleUnacknowledgedAlerts)
	s.mux.HandleFunc("GET /api/alerts/stats", s.handleAlertStats)
	s.mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	s.mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolveAlert)

	// Websocket streams
	s.mux.HandleFunc("GET /ws/displays/{id}", s.handleDisplayStream)
	s.mux.HandleFunc("GET /ws/events", s.handleGlobalStream)

	// Health check
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// writeError emits a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
