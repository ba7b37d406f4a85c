package domain

import (
	"context"
	"time"
)

// SnapshotRecord is one persisted row of snapshot history.
type SnapshotRecord struct {
	Snapshot
	TakenAt time.Time `json:"takenAt"`
}

// SummaryRecord is one persisted row of summary history.
type SummaryRecord struct {
	Summary
	TakenAt time.Time `json:"takenAt"`
}

// SnapshotStore persists refresh history. Implementations must be safe for
// concurrent use.
type SnapshotStore interface {
	// SaveBatch stores one refresh worth of snapshots plus the recomputed
	// summary under a single takenAt timestamp.
	SaveBatch(ctx context.Context, snapshots []Snapshot, summary Summary, takenAt time.Time) error
	// History returns the most recent records for a stock code, newest
	// first, up to limit.
	History(ctx context.Context, code string, limit int) ([]SnapshotRecord, error)
	// SummaryHistory returns the most recent summary rows, newest first.
	SummaryHistory(ctx context.Context, limit int) ([]SummaryRecord, error)
}

// QuoteCache caches the latest snapshot per stock code.
type QuoteCache interface {
	// SetQuotes stores the latest snapshot for each code.
	SetQuotes(ctx context.Context, snapshots []Snapshot) error
	// GetQuote returns the cached snapshot for a code, or ErrNotFound.
	GetQuote(ctx context.Context, code string) (Snapshot, error)
}

// SignalBus is a lightweight pub/sub fabric used to fan monitor events out to
// the WebSocket hub and any other interested consumer.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw payloads. The subscription ends and
	// the channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
