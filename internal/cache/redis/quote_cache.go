package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// quoteTTL bounds how long a cached quote outlives the refresh that wrote
// it. Stale quotes expiring is preferable to serving prices from a worker
// that died hours ago.
const quoteTTL = 24 * time.Hour

// QuoteCache implements domain.QuoteCache using Redis string keys. Each
// snapshot is stored as JSON at key "quote:{code}".
type QuoteCache struct {
	rdb *redis.Client
}

var _ domain.QuoteCache = (*QuoteCache)(nil)

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(code string) string {
	return "quote:" + code
}

// SetQuotes stores the latest snapshot for each code using a pipeline.
func (qc *QuoteCache) SetQuotes(ctx context.Context, snapshots []domain.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	pipe := qc.rdb.Pipeline()
	for _, snap := range snapshots {
		if snap.Code == "" {
			continue
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("redis: marshal quote %s: %w", snap.Code, err)
		}
		pipe.Set(ctx, quoteKey(snap.Code), data, quoteTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quotes: %w", err)
	}
	return nil
}

// GetQuote retrieves the cached snapshot for a code. It returns
// domain.ErrNotFound when the key does not exist.
func (qc *QuoteCache) GetQuote(ctx context.Context, code string) (domain.Snapshot, error) {
	data, err := qc.rdb.Get(ctx, quoteKey(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("redis: get quote %s: %w", code, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: decode quote %s: %w", code, err)
	}
	return snap, nil
}
