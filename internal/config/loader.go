package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STOCKMON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STOCKMON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Worker ──
	setStr(&cfg.Worker.Command, "STOCKMON_WORKER_COMMAND")
	setStringSlice(&cfg.Worker.Args, "STOCKMON_WORKER_ARGS")
	setDuration(&cfg.Worker.GracefulTimeout, "STOCKMON_WORKER_GRACEFUL_TIMEOUT")
	setDuration(&cfg.Worker.CommandTimeout, "STOCKMON_WORKER_COMMAND_TIMEOUT")
	setDuration(&cfg.Worker.RestartDelay, "STOCKMON_WORKER_RESTART_DELAY")
	setUint64(&cfg.Worker.MaxRestarts, "STOCKMON_WORKER_MAX_RESTARTS")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "STOCKMON_MONITOR_POLL_INTERVAL")
	setBool(&cfg.Monitor.AutoStart, "STOCKMON_MONITOR_AUTO_START")
	setBool(&cfg.Monitor.ShowNotifications, "STOCKMON_MONITOR_SHOW_NOTIFICATIONS")
	setFloat64(&cfg.Monitor.PriceAlertThreshold, "STOCKMON_MONITOR_PRICE_ALERT_THRESHOLD")
	setStr(&cfg.Monitor.DataSourcePriority, "STOCKMON_MONITOR_DATA_SOURCE_PRIORITY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "STOCKMON_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "STOCKMON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STOCKMON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STOCKMON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STOCKMON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STOCKMON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STOCKMON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STOCKMON_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STOCKMON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STOCKMON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STOCKMON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "STOCKMON_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "STOCKMON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STOCKMON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STOCKMON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STOCKMON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STOCKMON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STOCKMON_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STOCKMON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STOCKMON_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STOCKMON_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STOCKMON_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STOCKMON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STOCKMON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STOCKMON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STOCKMON_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "STOCKMON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
