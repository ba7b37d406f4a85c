// Package server exposes the controller over HTTP: REST endpoints for
// monitor control and portfolio data, plus a WebSocket stream of live events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stockmon/internal/server/handler"
	"github.com/alanyoungcy/stockmon/internal/server/middleware"
	"github.com/alanyoungcy/stockmon/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Monitor   *handler.MonitorHandler
	Snapshots *handler.SnapshotHandler
	Watchlist *handler.WatchlistHandler
}

// Server is the headless HTTP + WebSocket API for the stock monitor.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required beyond the shared chain).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Monitor lifecycle.
	mux.HandleFunc("GET /api/status", handlers.Monitor.GetStatus)
	mux.HandleFunc("POST /api/monitor/start", handlers.Monitor.StartMonitor)
	mux.HandleFunc("POST /api/monitor/stop", handlers.Monitor.StopMonitor)
	mux.HandleFunc("POST /api/monitor/refresh", handlers.Monitor.RefreshMonitor)
	mux.HandleFunc("GET /api/worker/config", handlers.Monitor.GetWorkerConfig)

	// Portfolio data.
	mux.HandleFunc("GET /api/snapshots", handlers.Snapshots.ListSnapshots)
	mux.HandleFunc("GET /api/snapshots/{code}", handlers.Snapshots.GetSnapshot)
	mux.HandleFunc("GET /api/summary", handlers.Snapshots.GetSummary)
	mux.HandleFunc("GET /api/history/summary", handlers.Snapshots.SummaryHistory)
	mux.HandleFunc("GET /api/history/{code}", handlers.Snapshots.History)

	// Watchlist management.
	mux.HandleFunc("GET /api/watchlist", handlers.Watchlist.GetWatchlist)
	mux.HandleFunc("PUT /api/watchlist", handlers.Watchlist.PutWatchlist)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler returns the fully wired handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
