package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/stockmon/internal/aggregate"
	"github.com/alanyoungcy/stockmon/internal/domain"
)

// SnapshotHandler serves the portfolio data endpoints: live snapshots and
// summary out of the in-memory book, history out of the optional store.
type SnapshotHandler struct {
	book   *aggregate.Book
	store  domain.SnapshotStore // nil when history persistence is disabled
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler. store may be nil.
func NewSnapshotHandler(book *aggregate.Book, store domain.SnapshotStore, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{book: book, store: store, logger: logHandler(logger, "snapshots")}
}

// ListSnapshots responds with all current snapshots sorted by code.
// GET /api/snapshots
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.book.Snapshots())
}

// GetSnapshot responds with the current snapshot for one stock code.
// GET /api/snapshots/{code}
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	code := pathParam(r, "code")
	snap, ok := h.book.Get(code)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stock code "+code)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSummary responds with the current portfolio summary.
// GET /api/summary
func (h *SnapshotHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.book.Summary())
}

// History responds with persisted snapshot history for one stock code,
// newest first.
// GET /api/history/{code}?limit=N
func (h *SnapshotHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "history persistence is disabled")
		return
	}
	code := pathParam(r, "code")
	records, err := h.store.History(r.Context(), code, limitParam(r))
	if err != nil {
		h.logger.Error("history query failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if records == nil {
		records = []domain.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// SummaryHistory responds with persisted summary history, newest first.
// GET /api/history/summary?limit=N
func (h *SnapshotHandler) SummaryHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "history persistence is disabled")
		return
	}
	records, err := h.store.SummaryHistory(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("summary history query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if records == nil {
		records = []domain.SummaryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
