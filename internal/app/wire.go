package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/stockmon/internal/cache/memory"
	"github.com/alanyoungcy/stockmon/internal/cache/redis"
	"github.com/alanyoungcy/stockmon/internal/config"
	"github.com/alanyoungcy/stockmon/internal/domain"
	"github.com/alanyoungcy/stockmon/internal/notify"
	"github.com/alanyoungcy/stockmon/internal/store/postgres"
)

// Dependencies bundles the infrastructure the monitor and the API server
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Store persists snapshot history; nil when Postgres is disabled.
	Store domain.SnapshotStore

	// Cache holds the latest quote per code; nil when Redis is disabled.
	Cache domain.QuoteCache

	// Bus fans monitor events out to the WebSocket hub. Always non-nil:
	// Redis-backed when enabled, in-process otherwise.
	Bus domain.SignalBus

	// Notifier delivers alert events to the configured channels.
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (optional snapshot history) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Store = postgres.NewSnapshotStore(pgClient.Pool())
	}

	// --- Redis (optional quote cache + bus backing) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewQuoteCache(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
	} else {
		deps.Bus = memory.NewBus()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
