// Package monitor implements the monitoring state machine: it sequences
// worker startup, configuration pushes, periodic polling, and shutdown, and
// fans state transitions and data refreshes out to subscribers.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/alanyoungcy/stockmon/internal/aggregate"
	"github.com/alanyoungcy/stockmon/internal/domain"
	"github.com/alanyoungcy/stockmon/internal/notify"
	"github.com/alanyoungcy/stockmon/internal/pending"
	"github.com/alanyoungcy/stockmon/internal/protocol"
	"github.com/alanyoungcy/stockmon/internal/supervisor"
)

// Bus channels the monitor publishes on.
const (
	ChannelQuotes  = "quotes"
	ChannelSummary = "summary"
	ChannelState   = "monitor_state"
	ChannelAlerts  = "alerts"
)

// State machine events.
const (
	eventStart       = "start"
	eventStarted     = "started"
	eventStartFailed = "start_failed"
	eventStop        = "stop"
	eventStopped     = "stopped"
	eventFault       = "fault"
	eventRestored    = "restored"
)

// Worker abstracts the process supervisor so the machine can be driven by a
// fake in tests.
type Worker interface {
	Start() error
	Stop()
	Send(data []byte) error
	Alive() bool
	Restarts() int
	SetHandlers(supervisor.Handlers)
}

// Options carries the monitor's collaborators. Bus, Store, Cache, and
// Notifier are optional; absent ones are skipped.
type Options struct {
	Worker       Worker
	Table        *pending.Table
	Book         *aggregate.Book
	Bus          domain.SignalBus
	Store        domain.SnapshotStore
	Cache        domain.QuoteCache
	Notifier     *notify.Notifier
	Config       domain.WorkerConfig
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Monitor owns the monitoring session. All state transitions funnel through
// its fsm; merges are serialized by the in-flight guard, so a manual refresh
// and a timer poll never interleave.
type Monitor struct {
	worker   Worker
	table    *pending.Table
	book     *aggregate.Book
	bus      domain.SignalBus
	store    domain.SnapshotStore
	cache    domain.QuoteCache
	notifier *notify.Notifier
	logger   *slog.Logger

	pollInterval time.Duration

	machine *fsm.FSM
	mu      sync.Mutex // serializes start/stop sequences and fault events

	cfgMu sync.RWMutex
	cfg   domain.WorkerConfig

	inFlight   atomic.Bool
	cancelPoll context.CancelFunc

	lastRefresh atomic.Int64 // epoch ms of the last successful merge

	alertMu sync.Mutex
	alerted map[string]bool // codes currently beyond the alert threshold

	listeners *registry
}

// New creates a Monitor in the stopped state and installs its handlers on
// the worker.
func New(opts Options) *Monitor {
	m := &Monitor{
		worker:       opts.Worker,
		table:        opts.Table,
		book:         opts.Book,
		bus:          opts.Bus,
		store:        opts.Store,
		cache:        opts.Cache,
		notifier:     opts.Notifier,
		logger:       opts.Logger.With(slog.String("component", "monitor")),
		pollInterval: opts.PollInterval,
		cfg:          opts.Config,
		alerted:      make(map[string]bool),
		listeners:    newRegistry(opts.Logger),
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 20 * time.Second
	}

	m.machine = fsm.NewFSM(
		string(domain.StateStopped),
		fsm.Events{
			{Name: eventStart, Src: []string{string(domain.StateStopped), string(domain.StateError)}, Dst: string(domain.StateStarting)},
			{Name: eventStarted, Src: []string{string(domain.StateStarting)}, Dst: string(domain.StateRunning)},
			{Name: eventStartFailed, Src: []string{string(domain.StateStarting)}, Dst: string(domain.StateError)},
			{Name: eventStop, Src: []string{string(domain.StateRunning)}, Dst: string(domain.StateStopping)},
			{Name: eventStopped, Src: []string{string(domain.StateStopping)}, Dst: string(domain.StateStopped)},
			{Name: eventFault, Src: []string{string(domain.StateRunning)}, Dst: string(domain.StateError)},
			{Name: eventRestored, Src: []string{string(domain.StateError)}, Dst: string(domain.StateRunning)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.publishState(domain.MonitorState(e.Dst))
			},
		},
	)

	m.worker.SetHandlers(supervisor.Handlers{
		OnRecord:   m.onRecord,
		OnExit:     m.onExit,
		OnRestart:  m.onRestart,
		OnTerminal: m.onTerminal,
	})

	return m
}

// State returns the current monitor state.
func (m *Monitor) State() domain.MonitorState {
	return domain.MonitorState(m.machine.Current())
}

// LastRefresh returns the time of the last successful merge, or the zero
// time if none happened yet.
func (m *Monitor) LastRefresh() time.Time {
	ms := m.lastRefresh.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Restarts reports the worker's automatic restarts since the last start.
func (m *Monitor) Restarts() int { return m.worker.Restarts() }

// Start brings the session up: spawn the worker, push the current
// configuration, perform one immediate poll, and arm the periodic timer. It
// is a no-op unless the monitor is stopped or in the error state. Any
// failure along the way lands in the error state and is reported to
// subscribers before being returned.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.machine.Event(ctx, eventStart); err != nil {
		m.logger.Debug("start ignored", slog.String("state", m.machine.Current()))
		return nil
	}

	fail := func(err error) error {
		_ = m.machine.Event(ctx, eventStartFailed)
		m.listeners.notifyState(m.State(), err)
		return err
	}

	if err := m.worker.Start(); err != nil {
		return fail(fmt.Errorf("monitor: start worker: %w", err))
	}

	if err := m.pushConfig(ctx); err != nil {
		m.worker.Stop()
		return fail(fmt.Errorf("monitor: initial config push: %w", err))
	}

	if err := m.poll(ctx); err != nil {
		m.worker.Stop()
		return fail(fmt.Errorf("monitor: initial poll: %w", err))
	}

	m.armTimer()

	if err := m.machine.Event(ctx, eventStarted); err != nil {
		return fail(fmt.Errorf("monitor: enter running: %w", err))
	}
	m.listeners.notifyState(domain.StateRunning, nil)
	return nil
}

// Stop winds the session down: disarm the timer, best-effort pause the
// worker, and settle in the stopped state. It is a no-op unless running.
// The worker process itself is left alive (paused); Close tears it down.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.machine.Event(ctx, eventStop); err != nil {
		m.logger.Debug("stop ignored", slog.String("state", m.machine.Current()))
		return nil
	}

	m.disarmTimer()

	if _, err := m.send(ctx, domain.CommandPause, nil); err != nil {
		// Best effort only; the worker may be gone or slow.
		m.logger.Warn("pause command failed", slog.String("error", err.Error()))
	}

	_ = m.machine.Event(ctx, eventStopped)
	m.listeners.notifyState(domain.StateStopped, nil)
	return nil
}

// Refresh performs one on-demand poll. Valid only while running; skipped
// quietly when another poll is already in flight.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.State() != domain.StateRunning {
		return domain.ErrNotRunning
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("refresh skipped, poll in flight")
		return nil
	}
	defer m.inFlight.Store(false)

	if err := m.poll(ctx); err != nil {
		m.fault(fmt.Errorf("monitor: refresh: %w", err))
		return err
	}
	return nil
}

// UpdateConfig replaces the pending worker configuration. While running it
// is forwarded to the worker immediately; a push failure is logged and the
// worker keeps its last-known-good configuration. Outside running the change
// only takes effect on the next start.
func (m *Monitor) UpdateConfig(ctx context.Context, cfg domain.WorkerConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	if m.State() != domain.StateRunning {
		m.logger.Debug("config change deferred until next start")
		return
	}
	if err := m.pushConfig(ctx); err != nil {
		m.logger.Warn("config push failed, worker keeps previous config",
			slog.String("error", err.Error()),
		)
	}
}

// Config returns the current (pending or active) worker configuration.
func (m *Monitor) Config() domain.WorkerConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// WorkerConfig asks the live worker for its active configuration. Valid only
// while running.
func (m *Monitor) WorkerConfig(ctx context.Context) (json.RawMessage, error) {
	if m.State() != domain.StateRunning {
		return nil, domain.ErrNotRunning
	}
	resp, err := m.send(ctx, domain.CommandGetConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: get worker config: %w", err)
	}
	return resp.Data, nil
}

// Close disposes the session: timer off, worker process down, pending table
// drained, aggregates cleared.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.disarmTimer()
	m.mu.Unlock()

	m.worker.Stop()
	m.table.Close()
	m.book.Reset()
}

// ---------------------------------------------------------------------------
// Command plumbing
// ---------------------------------------------------------------------------

// send issues one command and waits for the matching response, the table's
// deadline, or the context. A worker-reported error response is returned as an error.
func (m *Monitor) send(ctx context.Context, kind domain.CommandKind, payload any) (domain.Response, error) {
	cmd := domain.NewCommand(kind, payload)

	wire, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return domain.Response{}, err
	}

	done := m.table.Register(cmd.ID)

	if err := m.worker.Send(wire); err != nil {
		// Retire the registration so it does not linger until timeout.
		m.table.Resolve(domain.Response{ID: cmd.ID})
		return domain.Response{}, fmt.Errorf("monitor: send %s: %w", kind, err)
	}

	select {
	case res := <-done:
		if res.Err != nil {
			return domain.Response{}, fmt.Errorf("monitor: %s: %w", kind, res.Err)
		}
		if res.Response.Type == domain.ResponseTypeError {
			return res.Response, fmt.Errorf("monitor: %s: worker error: %s", kind, res.Response.Error)
		}
		return res.Response, nil
	case <-ctx.Done():
		return domain.Response{}, ctx.Err()
	}
}

// pushConfig sends the current configuration as a set_config command.
func (m *Monitor) pushConfig(ctx context.Context) error {
	_, err := m.send(ctx, domain.CommandSetConfig, m.Config())
	return err
}

// poll issues one update command and merges the returned snapshot list.
func (m *Monitor) poll(ctx context.Context) error {
	resp, err := m.send(ctx, domain.CommandUpdate, nil)
	if err != nil {
		return err
	}

	var snapshots []domain.Snapshot
	if err := json.Unmarshal(resp.Data, &snapshots); err != nil {
		return fmt.Errorf("monitor: decode update data: %w", err)
	}

	m.merge(ctx, snapshots)
	return nil
}

// merge folds a snapshot batch into the book, persists and publishes it, and
// notifies data subscribers. Shared by polls and unsolicited pushes.
func (m *Monitor) merge(ctx context.Context, snapshots []domain.Snapshot) {
	summary := m.book.Merge(snapshots)
	m.lastRefresh.Store(time.Now().UnixMilli())

	m.checkAlerts(ctx, snapshots)

	if m.cache != nil {
		if err := m.cache.SetQuotes(ctx, snapshots); err != nil {
			m.logger.Warn("quote cache update failed", slog.String("error", err.Error()))
		}
	}
	if m.store != nil {
		if err := m.store.SaveBatch(ctx, snapshots, summary, time.Now().UTC()); err != nil {
			m.logger.Warn("snapshot history save failed", slog.String("error", err.Error()))
		}
	}

	m.publish(ctx, ChannelQuotes, snapshots)
	m.publish(ctx, ChannelSummary, summary)

	m.listeners.notifyData(snapshots, summary)
}

// checkAlerts raises a price alert the first time a snapshot's profit
// percentage crosses the configured threshold, and rearms once it returns
// inside the band.
func (m *Monitor) checkAlerts(ctx context.Context, snapshots []domain.Snapshot) {
	cfg := m.Config()
	threshold := cfg.Settings.PriceAlertThreshold
	if threshold <= 0 {
		return
	}

	for _, s := range snapshots {
		if !s.Enabled {
			continue
		}
		beyond := math.Abs(s.ProfitPercent) >= threshold

		m.alertMu.Lock()
		fire := beyond && !m.alerted[s.Code]
		if beyond {
			m.alerted[s.Code] = true
		} else {
			delete(m.alerted, s.Code)
		}
		m.alertMu.Unlock()

		if !fire {
			continue
		}

		m.logger.Info("price alert",
			slog.String("code", s.Code),
			slog.Float64("profit_percent", s.ProfitPercent),
			slog.Float64("threshold", threshold),
		)
		m.publish(ctx, ChannelAlerts, map[string]any{
			"event":         notify.EventPriceAlert,
			"code":          s.Code,
			"name":          s.Name,
			"profitPercent": s.ProfitPercent,
			"threshold":     threshold,
		})
		if cfg.Settings.ShowNotifications {
			title := fmt.Sprintf("price alert: %s %s", s.Code, s.Name)
			msg := fmt.Sprintf("profit %.2f%% crossed the %.2f%% threshold (price %.4f)",
				s.ProfitPercent, threshold, s.CurrentPrice)
			if err := m.notifier.Notify(ctx, notify.EventPriceAlert, title, msg); err != nil {
				m.logger.Warn("alert delivery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Timer
// ---------------------------------------------------------------------------

// armTimer starts the periodic poll loop. Caller holds mu.
func (m *Monitor) armTimer() {
	m.disarmTimer()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelPoll = cancel

	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// disarmTimer stops the poll loop. Caller holds mu.
func (m *Monitor) disarmTimer() {
	if m.cancelPoll != nil {
		m.cancelPoll()
		m.cancelPoll = nil
	}
}

// tick is one timer-driven poll. It is skipped outside running and while
// another poll is outstanding.
func (m *Monitor) tick(ctx context.Context) {
	if m.State() != domain.StateRunning {
		return
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("poll skipped, previous one still in flight")
		return
	}
	defer m.inFlight.Store(false)

	if err := m.poll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fault(fmt.Errorf("monitor: periodic poll: %w", err))
	}
}

// fault moves a running session into the error state and reports it.
func (m *Monitor) fault(err error) {
	m.mu.Lock()
	evErr := m.machine.Event(context.Background(), eventFault)
	m.mu.Unlock()

	if evErr != nil {
		// Already outside running; just log.
		m.logger.Warn("fault outside running state",
			slog.String("error", err.Error()),
			slog.String("state", m.machine.Current()),
		)
		return
	}

	m.logger.Error("monitoring fault", slog.String("error", err.Error()))
	m.listeners.notifyState(domain.StateError, err)

	title := "stock monitor fault"
	if nErr := m.notifier.Notify(context.Background(), notify.EventMonitorError, title, err.Error()); nErr != nil {
		m.logger.Warn("fault notification failed", slog.String("error", nErr.Error()))
	}
}

// ---------------------------------------------------------------------------
// Worker callbacks
// ---------------------------------------------------------------------------

// onRecord handles every framed record from the worker's stdout: resolve a
// pending command, or route the message to the unsolicited-push path.
func (m *Monitor) onRecord(record []byte) {
	resp, err := protocol.DecodeResponse(record)
	if err != nil {
		// Malformed records are dropped; the stream keeps going.
		m.logger.Warn("dropping malformed record", slog.String("error", err.Error()))
		return
	}

	if m.table.Resolve(resp) {
		return
	}

	ctx := context.Background()
	switch resp.Type {
	case domain.ResponseTypeData:
		var snapshots []domain.Snapshot
		if err := json.Unmarshal(resp.Data, &snapshots); err != nil {
			m.logger.Warn("dropping malformed data push", slog.String("error", err.Error()))
			return
		}
		m.merge(ctx, snapshots)

	case domain.ResponseTypeError:
		m.logger.Error("worker fault report",
			slog.String("id", resp.ID),
			slog.String("error", resp.Error),
		)
		m.publish(ctx, ChannelAlerts, map[string]any{
			"event": "worker_error",
			"id":    resp.ID,
			"error": resp.Error,
		})

	case domain.ResponseTypeStatus:
		m.logger.Info("worker status",
			slog.String("id", resp.ID),
			slog.String("status", resp.Status),
		)
		m.publish(ctx, ChannelState, map[string]any{
			"workerStatus": resp.Status,
		})

	default:
		m.logger.Debug("ignoring late response", slog.String("id", resp.ID))
	}
}

// onExit reacts to worker process exits. Clean exits are part of an orderly
// stop; unexpected ones move a running session into the error state while
// the supervisor's restart policy works.
func (m *Monitor) onExit(unexpected bool) {
	if !unexpected {
		return
	}
	m.fault(domain.ErrUnexpectedExit)
}

// onRestart runs after a successful automatic respawn: re-push the
// configuration, return to running, and refresh immediately.
func (m *Monitor) onRestart(attempt int) {
	ctx := context.Background()

	if err := m.pushConfig(ctx); err != nil {
		m.logger.Warn("config push after restart failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	evErr := m.machine.Event(ctx, eventRestored)
	m.mu.Unlock()
	if evErr == nil {
		m.listeners.notifyState(domain.StateRunning, nil)
	}

	if err := m.notifier.Notify(ctx, notify.EventWorkerRestart,
		"worker restarted",
		fmt.Sprintf("automatic restart #%d succeeded", attempt),
	); err != nil {
		m.logger.Warn("restart notification failed", slog.String("error", err.Error()))
	}

	if m.inFlight.CompareAndSwap(false, true) {
		defer m.inFlight.Store(false)
		if err := m.poll(ctx); err != nil {
			m.logger.Warn("poll after restart failed", slog.String("error", err.Error()))
		}
	}
}

// onTerminal runs when the restart policy gives up.
func (m *Monitor) onTerminal(err error) {
	m.mu.Lock()
	m.disarmTimer()
	m.mu.Unlock()

	m.logger.Error("worker unrecoverable", slog.String("error", err.Error()))
	m.listeners.notifyState(m.State(), err)

	if nErr := m.notifier.Notify(context.Background(), notify.EventMonitorError,
		"stock monitor down",
		err.Error(),
	); nErr != nil {
		m.logger.Warn("terminal notification failed", slog.String("error", nErr.Error()))
	}
}

// publish marshals v and publishes it on the bus channel, if a bus is wired.
func (m *Monitor) publish(ctx context.Context, channel string, v any) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("publish marshal failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.logger.Warn("publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

// publishState pushes every state transition on the state channel.
func (m *Monitor) publishState(state domain.MonitorState) {
	m.publish(context.Background(), ChannelState, map[string]any{"state": state})
}
