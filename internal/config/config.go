// Package config defines the top-level configuration for the stock monitor
// controller and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STOCKMON_* environment variables.
type Config struct {
	Worker    WorkerConfig   `toml:"worker"`
	Monitor   MonitorConfig  `toml:"monitor"`
	Watchlist []WatchConfig  `toml:"watchlist"`
	Postgres  PostgresConfig `toml:"postgres"`
	Redis     RedisConfig    `toml:"redis"`
	Server    ServerConfig   `toml:"server"`
	Notify    NotifyConfig   `toml:"notify"`
	LogLevel  string         `toml:"log_level"`
}

// WorkerConfig holds the worker process command line and supervision
// parameters.
type WorkerConfig struct {
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	GracefulTimeout duration `toml:"graceful_timeout"`
	CommandTimeout  duration `toml:"command_timeout"`
	RestartDelay    duration `toml:"restart_delay"`
	MaxRestarts     uint64   `toml:"max_restarts"`
}

// MonitorConfig holds the monitoring session parameters that are pushed to
// the worker and drive the controller's own poll loop.
type MonitorConfig struct {
	PollInterval        duration `toml:"poll_interval"`
	AutoStart           bool     `toml:"auto_start"`
	ShowNotifications   bool     `toml:"show_notifications"`
	PriceAlertThreshold float64  `toml:"price_alert_threshold"`
	DataSourcePriority  string   `toml:"data_source_priority"`
}

// WatchConfig is one portfolio position in the watchlist.
type WatchConfig struct {
	Code     string  `toml:"code"`
	Name     string  `toml:"name"`
	BuyPrice float64 `toml:"buy_price"`
	Quantity int     `toml:"quantity"`
	Enabled  bool    `toml:"enabled"`
	Exchange string  `toml:"exchange"`
}

// PostgresConfig holds PostgreSQL connection parameters for snapshot history.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the quote cache and the
// signal bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// ServerConfig holds HTTP API server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Worker: WorkerConfig{
			Command:         "python3",
			Args:            []string{"stock_daemon.py"},
			GracefulTimeout: duration{5 * time.Second},
			CommandTimeout:  duration{10 * time.Second},
			RestartDelay:    duration{time.Second},
			MaxRestarts:     5,
		},
		Monitor: MonitorConfig{
			PollInterval:        duration{20 * time.Second},
			AutoStart:           false,
			ShowNotifications:   true,
			PriceAlertThreshold: 5.0,
			DataSourcePriority:  "tencent",
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "stockmon",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"price_alert", "monitor_error", "worker_restart"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Worker
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, "worker: command must not be empty")
	}
	if c.Worker.GracefulTimeout.Duration <= 0 {
		errs = append(errs, "worker: graceful_timeout must be > 0")
	}
	if c.Worker.CommandTimeout.Duration <= 0 {
		errs = append(errs, "worker: command_timeout must be > 0")
	}
	if c.Worker.RestartDelay.Duration <= 0 {
		errs = append(errs, "worker: restart_delay must be > 0")
	}

	// Monitor
	if c.Monitor.PollInterval.Duration < time.Second {
		errs = append(errs, fmt.Sprintf("monitor: poll_interval must be >= 1s, got %s", c.Monitor.PollInterval.Duration))
	}
	if c.Monitor.PriceAlertThreshold < 0 {
		errs = append(errs, "monitor: price_alert_threshold must be >= 0")
	}

	// Watchlist
	seen := make(map[string]bool, len(c.Watchlist))
	for i, w := range c.Watchlist {
		if strings.TrimSpace(w.Code) == "" {
			errs = append(errs, fmt.Sprintf("watchlist[%d]: code must not be empty", i))
			continue
		}
		if seen[w.Code] {
			errs = append(errs, fmt.Sprintf("watchlist: duplicate code %q", w.Code))
		}
		seen[w.Code] = true
		if w.BuyPrice < 0 {
			errs = append(errs, fmt.Sprintf("watchlist[%s]: buy_price must be >= 0", w.Code))
		}
		if w.Quantity < 0 {
			errs = append(errs, fmt.Sprintf("watchlist[%s]: quantity must be >= 0", w.Code))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify. Telegram needs both the token and the chat id.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildWorkerConfig builds the configuration document pushed to the worker
// over the control channel.
func (c *Config) BuildWorkerConfig() domain.WorkerConfig {
	stocks := make([]domain.WatchItem, 0, len(c.Watchlist))
	for _, w := range c.Watchlist {
		stocks = append(stocks, domain.WatchItem{
			Code:     w.Code,
			Name:     w.Name,
			BuyPrice: w.BuyPrice,
			Quantity: w.Quantity,
			Enabled:  w.Enabled,
			Exchange: w.Exchange,
		})
	}
	return domain.WorkerConfig{
		Version: "1.0",
		Stocks:  stocks,
		Settings: domain.WorkerSettings{
			UpdateInterval:      int(c.Monitor.PollInterval.Duration / time.Second),
			AutoStart:           c.Monitor.AutoStart,
			ShowNotifications:   c.Monitor.ShowNotifications,
			PriceAlertThreshold: c.Monitor.PriceAlertThreshold,
			DataSourcePriority:  c.Monitor.DataSourcePriority,
		},
	}
}
