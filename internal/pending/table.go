// Package pending implements the correlation table that matches worker
// responses to their originating commands by ID, with a per-command deadline.
package pending

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

// DefaultTimeout is how long a registered command may wait for its response.
const DefaultTimeout = 10 * time.Second

// Result is the single completion of one registered command: either the
// worker's response or a timeout error, never both.
type Result struct {
	Response domain.Response
	Err      error
}

// entry is the ownership record for one outstanding command. It is removed
// from the table exactly once, by Resolve, by deadline expiry, or by Close.
type entry struct {
	done  chan Result
	timer *time.Timer
}

// Table tracks outstanding commands keyed by correlation ID. All methods are
// safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	closed  bool
	logger  *slog.Logger
}

// NewTable creates a Table with the given per-command timeout; zero means
// DefaultTimeout.
func NewTable(timeout time.Duration, logger *slog.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		entries: make(map[string]*entry),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "pending")),
	}
}

// Register records an outstanding command and returns a channel that yields
// its single Result. If no matching response arrives before the deadline the
// result carries domain.ErrCommandTimeout.
func (t *Table) Register(id string) <-chan Result {
	done := make(chan Result, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done <- Result{Err: domain.ErrTableClosed}
		return done
	}

	e := &entry{done: done}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.entries[id] = e
	t.mu.Unlock()

	return done
}

// Resolve completes the command registered under the response's ID and
// reports whether such a command was outstanding. A false return means the
// response is unsolicited (or arrived after its deadline) and should be
// routed to the push path by the caller.
func (t *Table) Resolve(resp domain.Response) bool {
	t.mu.Lock()
	e, ok := t.entries[resp.ID]
	if ok {
		delete(t.entries, resp.ID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	e.timer.Stop()
	e.done <- Result{Response: resp}
	return true
}

// expire fires when a command's deadline passes without a response. If the
// entry is still present it is removed and the waiter completed with a
// timeout; a response that already resolved the entry wins the race.
func (t *Table) expire(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	t.logger.Warn("command timed out", slog.String("id", id), slog.Duration("timeout", t.timeout))
	e.done <- Result{Err: domain.ErrCommandTimeout}
}

// Outstanding returns the number of commands still awaiting completion.
func (t *Table) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close fails every outstanding command with ErrTableClosed and rejects
// future registrations. Called once on controller shutdown.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.done <- Result{Err: domain.ErrTableClosed}
	}
}
