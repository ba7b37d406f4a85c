// Package aggregate folds per-stock snapshots into a running portfolio
// summary. All mutation flows through Merge on the monitor's loop; reads may
// come from HTTP handlers concurrently.
package aggregate

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// Book holds the latest snapshot per stock code and the summary derived from
// them.
type Book struct {
	mu        sync.RWMutex
	snapshots map[string]domain.Snapshot
	summary   domain.Summary
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{snapshots: make(map[string]domain.Snapshot)}
}

// Merge replaces each existing snapshot by code (wholesale, no field-level
// merging) and recomputes the summary from scratch over all currently held
// snapshots. It returns the new summary.
func (b *Book) Merge(snapshots []domain.Snapshot) domain.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range snapshots {
		if s.Code == "" {
			continue
		}
		b.snapshots[s.Code] = s
	}

	b.summary = summarize(b.snapshots)
	return b.summary
}

// summarize recomputes the aggregate over enabled snapshots. Percentage is
// defined as 0 when the total cost basis is 0.
func summarize(snapshots map[string]domain.Snapshot) domain.Summary {
	var sum domain.Summary
	sum.StockCount = len(snapshots)

	for _, s := range snapshots {
		if !s.Enabled {
			continue
		}
		sum.EnabledCount++
		sum.TotalProfit += s.ProfitAmount
		sum.TotalMarketValue += s.MarketValue
		sum.TotalCostBasis += s.CostBasis
	}

	if sum.TotalCostBasis > 0 {
		sum.TotalProfitPercent = sum.TotalProfit / sum.TotalCostBasis * 100
	}
	return sum
}

// Summary returns the last computed summary.
func (b *Book) Summary() domain.Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.summary
}

// Snapshots returns all held snapshots ordered by code.
func (b *Book) Snapshots() []domain.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(b.snapshots))
	for _, s := range b.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Get returns the snapshot for one code.
func (b *Book) Get(code string) (domain.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snapshots[code]
	return s, ok
}

// Reset clears all snapshots and the summary. Called on session disposal.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = make(map[string]domain.Snapshot)
	b.summary = domain.Summary{}
}
