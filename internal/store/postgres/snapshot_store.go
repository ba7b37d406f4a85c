package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// SaveBatch stores one refresh worth of snapshots plus the recomputed summary
// under a single taken_at timestamp. The whole batch commits atomically.
func (s *SnapshotStore) SaveBatch(ctx context.Context, snapshots []domain.Snapshot, summary domain.Summary, takenAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin snapshot batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertSnapshot = `
		INSERT INTO snapshot_history (
			code, name, current_price, buy_price, quantity,
			profit_amount, profit_percent, market_value, cost_basis,
			change, change_percent, enabled, last_update, taken_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)`

	for _, snap := range snapshots {
		var lastUpdate *time.Time
		if snap.LastUpdate > 0 {
			t := snap.UpdatedAt()
			lastUpdate = &t
		}
		if _, err := tx.Exec(ctx, insertSnapshot,
			snap.Code, snap.Name, snap.CurrentPrice, snap.BuyPrice, snap.Quantity,
			snap.ProfitAmount, snap.ProfitPercent, snap.MarketValue, snap.CostBasis,
			snap.Change, snap.ChangePercent, snap.Enabled, lastUpdate, takenAt,
		); err != nil {
			return fmt.Errorf("postgres: insert snapshot %s: %w", snap.Code, err)
		}
	}

	const insertSummary = `
		INSERT INTO summary_history (
			total_profit, total_profit_percent, total_market_value,
			total_cost_basis, stock_count, enabled_count, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := tx.Exec(ctx, insertSummary,
		summary.TotalProfit, summary.TotalProfitPercent, summary.TotalMarketValue,
		summary.TotalCostBasis, summary.StockCount, summary.EnabledCount, takenAt,
	); err != nil {
		return fmt.Errorf("postgres: insert summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit snapshot batch: %w", err)
	}
	return nil
}

const snapshotSelectCols = `code, name, current_price, buy_price, quantity,
	profit_amount, profit_percent, market_value, cost_basis,
	change, change_percent, enabled, last_update, taken_at`

// History returns the most recent records for a stock code, newest first.
func (s *SnapshotStore) History(ctx context.Context, code string, limit int) ([]domain.SnapshotRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_history
		WHERE code = $1
		ORDER BY taken_at DESC
		LIMIT $2`, snapshotSelectCols)

	rows, err := s.pool.Query(ctx, query, code, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query snapshot history %s: %w", code, err)
	}
	defer rows.Close()

	var records []domain.SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshotRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot history %s: %w", code, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshot history %s: %w", code, err)
	}
	return records, nil
}

// SummaryHistory returns the most recent summary rows, newest first.
func (s *SnapshotStore) SummaryHistory(ctx context.Context, limit int) ([]domain.SummaryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT total_profit, total_profit_percent, total_market_value,
		       total_cost_basis, stock_count, enabled_count, taken_at
		FROM summary_history
		ORDER BY taken_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query summary history: %w", err)
	}
	defer rows.Close()

	var records []domain.SummaryRecord
	for rows.Next() {
		var rec domain.SummaryRecord
		if err := rows.Scan(
			&rec.TotalProfit, &rec.TotalProfitPercent, &rec.TotalMarketValue,
			&rec.TotalCostBasis, &rec.StockCount, &rec.EnabledCount, &rec.TakenAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan summary history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate summary history: %w", err)
	}
	return records, nil
}

func scanSnapshotRecord(row pgx.Row) (domain.SnapshotRecord, error) {
	var (
		rec        domain.SnapshotRecord
		lastUpdate *time.Time
	)
	err := row.Scan(
		&rec.Code, &rec.Name, &rec.CurrentPrice, &rec.BuyPrice, &rec.Quantity,
		&rec.ProfitAmount, &rec.ProfitPercent, &rec.MarketValue, &rec.CostBasis,
		&rec.Change, &rec.ChangePercent, &rec.Enabled, &lastUpdate, &rec.TakenAt,
	)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	if lastUpdate != nil {
		rec.LastUpdate = lastUpdate.UnixMilli()
	}
	return rec, nil
}
