package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/stockmon/internal/aggregate"
	"github.com/alanyoungcy/stockmon/internal/domain"
	"github.com/alanyoungcy/stockmon/internal/pending"
	"github.com/alanyoungcy/stockmon/internal/supervisor"
)

// fakeWorker scripts responses per command kind and feeds them back through
// the record handler, the way the real supervisor's read loop would.
type fakeWorker struct {
	mu       sync.Mutex
	handlers supervisor.Handlers
	sent     []domain.Command
	replies  map[domain.CommandKind]func(cmd domain.Command) *domain.Response
	startErr error
	alive    bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{replies: make(map[domain.CommandKind]func(domain.Command) *domain.Response)}
}

func (w *fakeWorker) reply(kind domain.CommandKind, fn func(domain.Command) *domain.Response) {
	w.mu.Lock()
	w.replies[kind] = fn
	w.mu.Unlock()
}

// ok scripts a plain response for kind carrying data.
func (w *fakeWorker) ok(kind domain.CommandKind, data any) {
	raw, _ := json.Marshal(data)
	w.reply(kind, func(cmd domain.Command) *domain.Response {
		return &domain.Response{
			Type:      domain.ResponseTypeResponse,
			ID:        cmd.ID,
			Timestamp: time.Now().UnixMilli(),
			Data:      raw,
		}
	})
}

func (w *fakeWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return w.startErr
	}
	w.alive = true
	return nil
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.alive = false
	w.mu.Unlock()
}

func (w *fakeWorker) Send(data []byte) error {
	var cmd domain.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return domain.ErrNoWorker
	}
	w.sent = append(w.sent, cmd)
	fn := w.replies[cmd.Command]
	onRecord := w.handlers.OnRecord
	w.mu.Unlock()

	if fn == nil {
		return nil // scripted silence: let the pending entry expire
	}
	resp := fn(cmd)
	if resp == nil {
		return nil
	}
	go func() {
		raw, _ := json.Marshal(resp)
		onRecord(raw)
	}()
	return nil
}

func (w *fakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWorker) Restarts() int { return 0 }

func (w *fakeWorker) SetHandlers(h supervisor.Handlers) {
	w.mu.Lock()
	w.handlers = h
	w.mu.Unlock()
}

// push injects an unsolicited record, as if the worker wrote it on its own.
func (w *fakeWorker) push(t *testing.T, resp domain.Response) {
	t.Helper()
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	w.mu.Lock()
	onRecord := w.handlers.OnRecord
	w.mu.Unlock()
	onRecord(raw)
}

// lastSent returns the most recent command of the given kind.
func (w *fakeWorker) lastSent(kind domain.CommandKind) (domain.Command, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.sent) - 1; i >= 0; i-- {
		if w.sent[i].Command == kind {
			return w.sent[i], true
		}
	}
	return domain.Command{}, false
}

// sentKinds returns the command kinds sent so far, in order.
func (w *fakeWorker) sentKinds() []domain.CommandKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]domain.CommandKind, len(w.sent))
	for i, c := range w.sent {
		kinds[i] = c.Command
	}
	return kinds
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newRecordingBus() *recordingBus { return &recordingBus{events: make(map[string][][]byte)} }

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[channel])
}

func testSnapshots() []domain.Snapshot {
	return []domain.Snapshot{
		{Code: "600519", Name: "Kweichow Moutai", CurrentPrice: 1700, BuyPrice: 1500,
			Quantity: 100, ProfitAmount: 20000, ProfitPercent: 13.33,
			MarketValue: 170000, CostBasis: 150000, Enabled: true},
		{Code: "000001", Name: "Ping An Bank", CurrentPrice: 10, BuyPrice: 12,
			Quantity: 500, ProfitAmount: -1000, ProfitPercent: -16.67,
			MarketValue: 5000, CostBasis: 6000, Enabled: true},
	}
}

func newTestMonitor(t *testing.T, w *fakeWorker, timeout time.Duration) (*Monitor, *recordingBus) {
	t.Helper()
	bus := newRecordingBus()
	m := New(Options{
		Worker: w,
		Table:  pending.NewTable(timeout, slog.New(slog.NewTextHandler(io.Discard, nil))),
		Book:   aggregate.NewBook(),
		Bus:    bus,
		Config: domain.WorkerConfig{
			Version: "1.0",
			Settings: domain.WorkerSettings{
				UpdateInterval:      20,
				PriceAlertThreshold: 5,
				ShowNotifications:   false,
			},
		},
		PollInterval: time.Hour, // keep the timer out of the way
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, bus
}

func TestStartSequencesConfigThenPoll(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, testSnapshots())

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	var mu sync.Mutex
	var states []domain.MonitorState
	m.OnStateChange(func(s domain.MonitorState, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	var gotSummary domain.Summary
	m.OnData(func(_ []domain.Snapshot, sum domain.Summary) {
		mu.Lock()
		gotSummary = sum
		mu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := m.State(); got != domain.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	kinds := w.sentKinds()
	want := []domain.CommandKind{domain.CommandSetConfig, domain.CommandUpdate}
	if len(kinds) != len(want) {
		t.Fatalf("sent %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("command %d = %s, want %s", i, kinds[i], want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != domain.StateRunning {
		t.Fatalf("state listener saw %v, want trailing running", states)
	}
	if gotSummary.StockCount != 2 {
		t.Fatalf("summary stock count = %d, want 2", gotSummary.StockCount)
	}
	if gotSummary.TotalProfit != 19000 {
		t.Fatalf("summary profit = %v, want 19000", gotSummary.TotalProfit)
	}
	if m.LastRefresh().IsZero() {
		t.Fatal("LastRefresh not set after initial poll")
	}
}

func TestStartIsNoOpWhileRunning(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := len(w.sentKinds())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if after := len(w.sentKinds()); after != before {
		t.Fatalf("second Start sent %d extra commands", after-before)
	}
}

func TestStartTimeoutEntersErrorState(t *testing.T) {
	w := newFakeWorker() // no replies scripted: every command times out

	m, _ := newTestMonitor(t, w, 30*time.Millisecond)
	defer m.Close()

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded with a mute worker")
	}
	if !errors.Is(err, domain.ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state = %s, want error", got)
	}
	if w.Alive() {
		t.Fatal("worker left alive after failed start")
	}
}

func TestStartSpawnFailure(t *testing.T) {
	w := newFakeWorker()
	w.startErr = domain.ErrSpawnFailed

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	err := m.Start(context.Background())
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state = %s, want error", got)
	}
}

func TestRestartFromErrorState(t *testing.T) {
	w := newFakeWorker()
	m, _ := newTestMonitor(t, w, 30*time.Millisecond)
	defer m.Close()

	w.startErr = domain.ErrSpawnFailed
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected first Start to fail")
	}

	w.mu.Lock()
	w.startErr = nil
	w.mu.Unlock()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start from error state: %v", err)
	}
	if got := m.State(); got != domain.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestStopPausesWorker(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})
	w.ok(domain.CommandPause, nil)

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.State(); got != domain.StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}

	kinds := w.sentKinds()
	if kinds[len(kinds)-1] != domain.CommandPause {
		t.Fatalf("last command = %s, want pause", kinds[len(kinds)-1])
	}

	// Stop again is a quiet no-op.
	before := len(w.sentKinds())
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if after := len(w.sentKinds()); after != before {
		t.Fatal("second Stop sent commands")
	}
}

func TestRefreshRequiresRunning(t *testing.T) {
	w := newFakeWorker()
	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Refresh(context.Background()); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestRefreshFaultEntersErrorState(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w.reply(domain.CommandUpdate, func(cmd domain.Command) *domain.Response {
		return &domain.Response{
			Type:      domain.ResponseTypeError,
			ID:        cmd.ID,
			Timestamp: time.Now().UnixMilli(),
			Error:     "data source unavailable",
		}
	})

	var faultErr error
	m.OnStateChange(func(s domain.MonitorState, err error) {
		if s == domain.StateError {
			faultErr = err
		}
	})

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh succeeded against an erroring worker")
	}
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state = %s, want error", got)
	}
	if faultErr == nil {
		t.Fatal("state listener did not receive the fault error")
	}
}

func TestUnsolicitedDataPushMerges(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, bus := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan domain.Summary, 1)
	remove := m.OnData(func(_ []domain.Snapshot, sum domain.Summary) {
		select {
		case done <- sum:
		default:
		}
	})
	defer remove()

	raw, _ := json.Marshal(testSnapshots())
	w.push(t, domain.Response{
		Type:      domain.ResponseTypeData,
		ID:        "auto_update",
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	})

	select {
	case sum := <-done:
		if sum.StockCount != 2 {
			t.Fatalf("pushed summary stock count = %d, want 2", sum.StockCount)
		}
	case <-time.After(time.Second):
		t.Fatal("data push was not merged")
	}

	if bus.count(ChannelQuotes) == 0 {
		t.Fatal("nothing published on the quotes channel")
	}
}

func TestUnexpectedExitFaults(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w.handlers.OnExit(true)
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state after crash = %s, want error", got)
	}

	// A clean exit while stopped changes nothing.
	w.handlers.OnExit(false)
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state after clean exit = %s, want error", got)
	}
}

func TestRestoredAfterAutomaticRestart(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w.handlers.OnExit(true)
	if got := m.State(); got != domain.StateError {
		t.Fatalf("state after crash = %s, want error", got)
	}

	w.handlers.OnRestart(1)
	if got := m.State(); got != domain.StateRunning {
		t.Fatalf("state after restart = %s, want running", got)
	}
}

func TestPriceAlertFiresOncePerCrossing(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, bus := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	push := func(profitPercent float64) {
		raw, _ := json.Marshal([]domain.Snapshot{{
			Code: "600519", Name: "Kweichow Moutai",
			ProfitPercent: profitPercent, CostBasis: 1000, Enabled: true,
		}})
		w.push(t, domain.Response{
			Type:      domain.ResponseTypeData,
			ID:        "auto_update",
			Timestamp: time.Now().UnixMilli(),
			Data:      raw,
		})
	}

	push(6.0) // crosses the 5% threshold: alert
	push(7.0) // still beyond: suppressed
	if got := bus.count(ChannelAlerts); got != 1 {
		t.Fatalf("alerts after two beyond-threshold batches = %d, want 1", got)
	}

	push(2.0) // back inside the band: rearms
	push(-6.0) // crosses on the loss side: alert again
	if got := bus.count(ChannelAlerts); got != 2 {
		t.Fatalf("alerts after rearm and re-cross = %d, want 2", got)
	}
}

func TestUpdateConfigForwardsWhileRunning(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	cfg := m.Config()
	cfg.Stocks = append(cfg.Stocks, domain.WatchItem{Code: "000001", Name: "Ping An Bank", Enabled: true})
	m.UpdateConfig(context.Background(), cfg)
	if len(w.sentKinds()) != 0 {
		t.Fatal("config forwarded while stopped")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := countKind(w.sentKinds(), domain.CommandSetConfig)

	cfg.Settings.UpdateInterval = 60
	m.UpdateConfig(context.Background(), cfg)

	after := countKind(w.sentKinds(), domain.CommandSetConfig)
	if after != before+1 {
		t.Fatalf("set_config count went %d -> %d, want +1", before, after)
	}
	if got := m.Config().Settings.UpdateInterval; got != 60 {
		t.Fatalf("stored interval = %d, want 60", got)
	}
}

func TestWorkerConfigRequiresRunning(t *testing.T) {
	w := newFakeWorker()
	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	if _, err := m.WorkerConfig(context.Background()); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestListenerRemoval(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	var calls int
	remove := m.OnStateChange(func(domain.MonitorState, error) { calls++ })
	remove()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls != 0 {
		t.Fatalf("removed listener was called %d times", calls)
	}
}

func TestPanickingListenerIsContained(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})

	m, _ := newTestMonitor(t, w, time.Second)
	defer m.Close()

	m.OnStateChange(func(domain.MonitorState, error) { panic("boom") })
	var sawRunning bool
	m.OnStateChange(func(s domain.MonitorState, _ error) {
		if s == domain.StateRunning {
			sawRunning = true
		}
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sawRunning {
		t.Fatal("second listener starved by the panicking one")
	}
}

func countKind(kinds []domain.CommandKind, want domain.CommandKind) int {
	var n int
	for _, k := range kinds {
		if k == want {
			n++
		}
	}
	return n
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	w := newFakeWorker()
	w.ok(domain.CommandSetConfig, nil)
	w.ok(domain.CommandUpdate, []domain.Snapshot{})
	// get_config left unscripted: the request will expire.

	m, bus := newTestMonitor(t, w, 30*time.Millisecond)
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var dataCalls int
	remove := m.OnData(func([]domain.Snapshot, domain.Summary) { dataCalls++ })
	defer remove()

	if _, err := m.WorkerConfig(context.Background()); !errors.Is(err, domain.ErrCommandTimeout) {
		t.Fatalf("WorkerConfig err = %v, want ErrCommandTimeout", err)
	}

	cmd, ok := w.lastSent(domain.CommandGetConfig)
	if !ok {
		t.Fatal("get_config command never sent")
	}

	before := m.LastRefresh()
	quotesBefore := bus.count(ChannelQuotes)

	// The worker answers after the deadline; the reply's id is no longer
	// registered and the record must fall through without side effects.
	raw, _ := json.Marshal(testSnapshots())
	w.push(t, domain.Response{
		Type:      domain.ResponseTypeResponse,
		ID:        cmd.ID,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	})

	if got := m.State(); got != domain.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if !m.LastRefresh().Equal(before) {
		t.Fatal("late response advanced the refresh time")
	}
	if got := bus.count(ChannelQuotes); got != quotesBefore {
		t.Fatalf("late response published quotes: %d -> %d", quotesBefore, got)
	}
	if dataCalls != 0 {
		t.Fatalf("data listener invoked %d times for a retired id", dataCalls)
	}
}
