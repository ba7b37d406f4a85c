package monitor

import (
	"log/slog"
	"sync"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// StateListener receives every monitor state transition. err is non-nil when
// the transition was caused by a failure.
type StateListener func(state domain.MonitorState, err error)

// DataListener receives every merged snapshot batch with its recomputed
// summary.
type DataListener func(snapshots []domain.Snapshot, summary domain.Summary)

// registry holds in-process listeners. Removal is by the token handed out at
// registration. A panicking listener is logged and does not take down the
// caller or the other listeners.
type registry struct {
	mu     sync.RWMutex
	next   int
	state  map[int]StateListener
	data   map[int]DataListener
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		state:  make(map[int]StateListener),
		data:   make(map[int]DataListener),
		logger: logger.With(slog.String("component", "monitor.listeners")),
	}
}

// OnStateChange registers fn and returns a function that removes it.
func (m *Monitor) OnStateChange(fn StateListener) (remove func()) {
	r := m.listeners
	r.mu.Lock()
	token := r.next
	r.next++
	r.state[token] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.state, token)
		r.mu.Unlock()
	}
}

// OnData registers fn and returns a function that removes it.
func (m *Monitor) OnData(fn DataListener) (remove func()) {
	r := m.listeners
	r.mu.Lock()
	token := r.next
	r.next++
	r.data[token] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.data, token)
		r.mu.Unlock()
	}
}

func (r *registry) notifyState(state domain.MonitorState, err error) {
	r.mu.RLock()
	fns := make([]StateListener, 0, len(r.state))
	for _, fn := range r.state {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		r.invoke(func() { fn(state, err) })
	}
}

func (r *registry) notifyData(snapshots []domain.Snapshot, summary domain.Summary) {
	r.mu.RLock()
	fns := make([]DataListener, 0, len(r.data))
	for _, fn := range r.data {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		r.invoke(func() { fn(snapshots, summary) })
	}
}

func (r *registry) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked", slog.Any("panic", rec))
		}
	}()
	fn()
}
