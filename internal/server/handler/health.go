package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// HealthHandler serves the liveness endpoint. Besides confirming the API
// process is up, it reports the current monitoring state so one check covers
// both the controller and its worker session.
type HealthHandler struct {
	state  func() domain.MonitorState
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. state reports the monitor's
// current lifecycle state; it must be safe for concurrent use.
func NewHealthHandler(state func() domain.MonitorState, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{state: state, logger: logger}
}

// HealthCheck responds with liveness plus the monitor state.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state := domain.StateStopped
	if h.state != nil {
		state = h.state()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"state":     state,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
