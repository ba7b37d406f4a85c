package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// MonitorService is the slice of the monitoring machine the HTTP layer
// drives.
type MonitorService interface {
	State() domain.MonitorState
	LastRefresh() time.Time
	Restarts() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Refresh(ctx context.Context) error
	WorkerConfig(ctx context.Context) (json.RawMessage, error)
}

// MonitorHandler serves the monitor lifecycle endpoints.
type MonitorHandler struct {
	monitor MonitorService
	logger  *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler driving the given monitor.
func NewMonitorHandler(monitor MonitorService, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, logger: logHandler(logger, "monitor")}
}

// GetStatus responds with the current monitor state and refresh metadata.
// GET /api/status
func (h *MonitorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var lastRefresh any
	if t := h.monitor.LastRefresh(); !t.IsZero() {
		lastRefresh = t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       h.monitor.State(),
		"lastRefresh": lastRefresh,
		"restarts":    h.monitor.Restarts(),
	})
}

// StartMonitor starts the monitoring session.
// POST /api/monitor/start
func (h *MonitorHandler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Start(r.Context()); err != nil {
		h.logger.Error("start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.monitor.State()})
}

// StopMonitor stops the monitoring session.
// POST /api/monitor/stop
func (h *MonitorHandler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(r.Context()); err != nil {
		h.logger.Error("stop failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.monitor.State()})
}

// RefreshMonitor triggers one on-demand data refresh.
// POST /api/monitor/refresh
func (h *MonitorHandler) RefreshMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Refresh(r.Context()); err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			writeError(w, http.StatusConflict, "monitor is not running")
			return
		}
		h.logger.Error("refresh failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": h.monitor.State()})
}

// GetWorkerConfig asks the live worker for its active configuration.
// GET /api/worker/config
func (h *MonitorHandler) GetWorkerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.monitor.WorkerConfig(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			writeError(w, http.StatusConflict, "monitor is not running")
			return
		}
		h.logger.Error("worker config query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(cfg)
}
