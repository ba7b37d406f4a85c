package domain

import "time"

// Snapshot is the latest known state of one monitored stock as reported by
// the worker. Snapshots are replaced wholesale by code on every refresh;
// individual fields are never merged.
type Snapshot struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	CurrentPrice  float64 `json:"currentPrice"`
	BuyPrice      float64 `json:"buyPrice"`
	Quantity      int     `json:"quantity"`
	ProfitAmount  float64 `json:"profitAmount"`
	ProfitPercent float64 `json:"profitPercent"`
	MarketValue   float64 `json:"marketValue"`
	CostBasis     float64 `json:"costBasis"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	LastUpdate    int64   `json:"lastUpdate"` // epoch milliseconds
	Enabled       bool    `json:"enabled"`
}

// UpdatedAt converts the worker's epoch-millisecond timestamp to time.Time.
func (s Snapshot) UpdatedAt() time.Time {
	return time.UnixMilli(s.LastUpdate)
}

// Summary is the derived aggregate over all enabled snapshots. It is
// recomputed from scratch on every merge, never mutated incrementally.
type Summary struct {
	TotalProfit        float64 `json:"totalProfit"`
	TotalProfitPercent float64 `json:"totalProfitPercent"`
	TotalMarketValue   float64 `json:"totalMarketValue"`
	TotalCostBasis     float64 `json:"totalCostBasis"`
	StockCount         int     `json:"stockCount"`
	EnabledCount       int     `json:"enabledCount"`
}

// WatchItem is one entry of the monitored watchlist as pushed to the worker
// in a set_config payload.
type WatchItem struct {
	Code     string  `json:"code"`
	Name     string  `json:"name,omitempty"`
	BuyPrice float64 `json:"buyPrice"`
	Quantity int     `json:"quantity"`
	Enabled  bool    `json:"enabled"`
	Exchange string  `json:"exchange,omitempty"`
}

// WorkerSettings mirrors the settings block of the worker configuration.
// UpdateInterval is in seconds, matching the worker's own poll loop.
type WorkerSettings struct {
	UpdateInterval      int     `json:"updateInterval"`
	AutoStart           bool    `json:"autoStart"`
	ShowNotifications   bool    `json:"showNotifications"`
	PriceAlertThreshold float64 `json:"priceAlertThreshold"`
	DataSourcePriority  string  `json:"dataSourcePriority"`
}

// WorkerConfig is the full configuration document exchanged with the worker
// via set_config and get_config.
type WorkerConfig struct {
	Version  string         `json:"version"`
	Stocks   []WatchItem    `json:"stocks"`
	Settings WorkerSettings `json:"settings"`
}
