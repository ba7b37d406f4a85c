package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// ConfigService is the slice of the monitoring machine that owns the worker
// configuration.
type ConfigService interface {
	Config() domain.WorkerConfig
	UpdateConfig(ctx context.Context, cfg domain.WorkerConfig)
}

// WatchlistHandler serves watchlist read and replace endpoints.
type WatchlistHandler struct {
	svc    ConfigService
	logger *slog.Logger
}

// NewWatchlistHandler creates a WatchlistHandler over the given service.
func NewWatchlistHandler(svc ConfigService, logger *slog.Logger) *WatchlistHandler {
	return &WatchlistHandler{svc: svc, logger: logHandler(logger, "watchlist")}
}

// GetWatchlist responds with the currently configured watchlist.
// GET /api/watchlist
func (h *WatchlistHandler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	stocks := h.svc.Config().Stocks
	if stocks == nil {
		stocks = []domain.WatchItem{}
	}
	writeJSON(w, http.StatusOK, stocks)
}

// PutWatchlist replaces the watchlist wholesale. While the monitor is
// running the new list is pushed to the worker immediately.
// PUT /api/watchlist
func (h *WatchlistHandler) PutWatchlist(w http.ResponseWriter, r *http.Request) {
	var stocks []domain.WatchItem
	if err := json.NewDecoder(r.Body).Decode(&stocks); err != nil {
		writeError(w, http.StatusBadRequest, "invalid watchlist body: "+err.Error())
		return
	}

	seen := make(map[string]bool, len(stocks))
	for i, item := range stocks {
		code := strings.TrimSpace(item.Code)
		if code == "" {
			writeError(w, http.StatusBadRequest, "watchlist item has empty code")
			return
		}
		if seen[code] {
			writeError(w, http.StatusBadRequest, "duplicate stock code "+code)
			return
		}
		seen[code] = true
		if item.BuyPrice < 0 || item.Quantity < 0 {
			writeError(w, http.StatusBadRequest, "negative buy price or quantity for "+code)
			return
		}
		stocks[i].Code = code
	}

	cfg := h.svc.Config()
	cfg.Stocks = stocks
	h.svc.UpdateConfig(r.Context(), cfg)

	h.logger.Info("watchlist replaced", slog.Int("stocks", len(stocks)))
	writeJSON(w, http.StatusOK, stocks)
}
