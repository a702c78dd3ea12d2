package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zde37/chordsim/internal/sim"
	"github.com/zde37/chordsim/pkg"
)

// ReportSource provides snapshots of the running simulation.
type ReportSource interface {
	Report() sim.Report
}

// Server is the read-only HTTP API over a running simulation.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	hub        *EventHub
	source     ReportSource
	logger     *pkg.Logger
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int
}

// NewServer creates the API server. hub carries the live event feed and is
// started and stopped along with the server.
func NewServer(cfg *Config, hub *EventHub, source ReportSource, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if hub == nil {
		return nil, fmt.Errorf("event hub cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("report source cannot be nil")
	}

	s := &Server{
		hub:    hub,
		source: source,
		logger: logger.WithFields(pkg.Fields{"component": "http_api"}),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/stats", s.statsHandler)
	mux.HandleFunc("GET /api/nodes/{id}", s.nodeHandler)
	mux.Handle("GET /api/ws", s.hub)
	return corsMiddleware(mux)
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.hub.Start()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Stop gracefully stops the HTTP server and the event hub.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// WebSocket connections are hijacked, so Shutdown does not wait for them
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Report())
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}

	for _, n := range s.source.Report().Nodes {
		if n.ID == id {
			s.writeJSON(w, http.StatusOK, n)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
