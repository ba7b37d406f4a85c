// Package app provides the top-level application lifecycle management for
// the stock monitor controller. It wires the infrastructure (store, cache,
// bus, notifier), builds the supervisor and monitoring machine, and runs the
// HTTP/WebSocket API until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stockmon/internal/aggregate"
	"github.com/alanyoungcy/stockmon/internal/config"
	"github.com/alanyoungcy/stockmon/internal/monitor"
	"github.com/alanyoungcy/stockmon/internal/pending"
	"github.com/alanyoungcy/stockmon/internal/server"
	"github.com/alanyoungcy/stockmon/internal/server/handler"
	"github.com/alanyoungcy/stockmon/internal/server/ws"
	"github.com/alanyoungcy/stockmon/internal/supervisor"
)

// shutdownTimeout bounds how long the HTTP server may spend draining
// in-flight requests.
const shutdownTimeout = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, builds the
// monitoring machine and the API server, and blocks until the context is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("worker_command", a.cfg.Worker.Command),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// --- Monitoring machine ---
	sup := supervisor.New(supervisor.Config{
		Command:         a.cfg.Worker.Command,
		Args:            a.cfg.Worker.Args,
		GracefulTimeout: a.cfg.Worker.GracefulTimeout.Duration,
		RestartDelay:    a.cfg.Worker.RestartDelay.Duration,
		MaxRestarts:     a.cfg.Worker.MaxRestarts,
	}, a.logger)

	book := aggregate.NewBook()
	mon := monitor.New(monitor.Options{
		Worker:       sup,
		Table:        pending.NewTable(a.cfg.Worker.CommandTimeout.Duration, a.logger),
		Book:         book,
		Bus:          deps.Bus,
		Store:        deps.Store,
		Cache:        deps.Cache,
		Notifier:     deps.Notifier,
		Config:       a.cfg.BuildWorkerConfig(),
		PollInterval: a.cfg.Monitor.PollInterval.Duration,
		Logger:       a.logger,
	})
	a.closers = append(a.closers, mon.Close)

	g, ctx := errgroup.WithContext(ctx)

	// --- HTTP + WebSocket API ---
	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.Bus, mon.State, a.logger)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: ws hub: %w", err)
			}
			return nil
		})

		srv := server.NewServer(
			server.Config{
				Port:        a.cfg.Server.Port,
				CORSOrigins: a.cfg.Server.CORSOrigins,
				APIKey:      a.cfg.Server.APIKey,
			},
			server.Handlers{
				Health:    handler.NewHealthHandler(mon.State, a.logger),
				Monitor:   handler.NewMonitorHandler(mon, a.logger),
				Snapshots: handler.NewSnapshotHandler(book, deps.Store, a.logger),
				Watchlist: handler.NewWatchlistHandler(mon, a.logger),
			},
			hub,
			a.logger,
		)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	// --- Auto start ---
	if a.cfg.Monitor.AutoStart {
		if err := mon.Start(ctx); err != nil {
			// The session sits in the error state; the operator can retry
			// through the API.
			a.logger.Error("auto start failed", slog.String("error", err.Error()))
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
