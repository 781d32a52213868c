// Package api is the ops surface: health and readiness probes, an engine
// status endpoint, a WebSocket event stream, and the prometheus metrics
// listener.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"pm-arb/internal/discovery"
	"pm-arb/internal/exec"
	"pm-arb/internal/portfolio"
	"pm-arb/internal/risk"
	"pm-arb/pkg/types"
)

// Status is the engine snapshot served at /api/status and streamed on /ws.
type Status struct {
	Mode          string               `json:"mode"`
	StartedAt     time.Time            `json:"started_at"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Venues        []types.HealthStatus `json:"venues"`
	Risk          risk.Snapshot        `json:"risk"`
	Portfolio     portfolio.Summary    `json:"portfolio"`
	Execution     exec.Stats           `json:"execution"`
	Discovery     discovery.Stats      `json:"discovery"`
}

// StatusProvider is implemented by the engines.
type StatusProvider interface {
	Status() Status
	Ready() bool
}

// Server runs the ops HTTP listener and owns the WebSocket hub.
type Server struct {
	provider StatusProvider
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(port int, provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		hub:      NewHub(logger),
		logger:   logger.With("component", "api-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Get("/api/status", s.handleStatus)
	r.Get("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Hub exposes the event stream for the engine to publish into.
func (s *Server) Hub() *Hub { return s.hub }

// Start blocks serving HTTP until Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	s.hub.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// handleHealth reports overall process health: 503 when any venue is
// unhealthy or the kill switch is engaged.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Status()

	healthy := !status.Risk.KillActive
	for _, v := range status.Venues {
		if !v.Healthy {
			healthy = false
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"healthy": healthy,
		"mode":    status.Mode,
		"uptime":  status.UptimeSeconds,
	})
}

// handleReady reports whether the engine loop is accepting work.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// handleLive is the bare liveness probe.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"live": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Status())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is same-host tooling; no cross-origin audience.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}
	s.hub.attach(conn)
}
