// Package supervisor owns the worker process lifecycle: spawning, stdio
// wiring, graceful and forced termination, and the bounded restart policy
// applied on unexpected exits.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/stockmon/internal/domain"
	"github.com/alanyoungcy/stockmon/internal/protocol"
)

const (
	defaultGracefulTimeout = 5 * time.Second
	defaultRestartDelay    = time.Second
	defaultMaxRestarts     = 5
)

// Config holds the worker executable and restart policy parameters.
type Config struct {
	// Command is the worker executable; Args are passed verbatim.
	Command string
	Args    []string

	// GracefulTimeout bounds how long Stop waits after SIGTERM before
	// force-killing the process.
	GracefulTimeout time.Duration

	// RestartDelay is the fixed backoff between automatic restart attempts.
	RestartDelay time.Duration

	// MaxRestarts bounds consecutive automatic restarts. Exceeding it is a
	// terminal failure; only an external Start resets the counter.
	MaxRestarts uint64
}

func (c *Config) applyDefaults() {
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
}

// Handlers are the supervisor's upward-facing callbacks. All of them are
// invoked from supervisor-owned goroutines; implementations must not call
// back into Start or Stop.
type Handlers struct {
	// OnRecord receives each complete stdout record (framing already done,
	// record not yet parsed).
	OnRecord func(record []byte)
	// OnExit fires on every process exit. unexpected is false for exits
	// requested via Stop and for exit code 0.
	OnExit func(unexpected bool)
	// OnRestart fires after a successful automatic respawn, with the number
	// of restarts since the last external Start.
	OnRestart func(attempt int)
	// OnTerminal fires once when the restart policy gives up.
	OnTerminal func(err error)
}

// Supervisor manages at most one live worker process. The process handle is
// owned exclusively here; no other component signals or kills it.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	handlers Handlers

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan struct{} // closed when the current process has fully exited
	gen      int           // process generation, guards stale exit events
	stopping bool          // true while Stop (or a Start-triggered stop) is tearing down
	retry    backoff.BackOff
	restarts int
	pending  *time.Timer // scheduled automatic restart, if any
}

// New creates a Supervisor for the given worker command.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "supervisor")),
	}
}

// SetHandlers installs the upward callbacks. Must be called before Start.
func (s *Supervisor) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// Start launches a fresh worker process. If one is already alive it is
// stopped first. On success the restart counter is reset; on spawn failure
// no side effects remain and the error wraps domain.ErrSpawnFailed.
func (s *Supervisor) Start() error {
	// Loop because a scheduled automatic restart can slip in between the
	// stop and the lock acquisition.
	for {
		s.Stop()
		s.mu.Lock()
		s.cancelPendingRestartLocked()
		if s.cmd == nil {
			break
		}
		s.mu.Unlock()
	}
	defer s.mu.Unlock()

	if err := s.spawnLocked(); err != nil {
		return err
	}

	s.retry = backoff.WithMaxRetries(
		backoff.NewConstantBackOff(s.cfg.RestartDelay), s.cfg.MaxRestarts)
	s.restarts = 0

	s.logger.Info("worker started",
		slog.String("command", s.cfg.Command),
		slog.Int("pid", s.cmd.Process.Pid),
	)
	return nil
}

// Stop terminates the worker gracefully: SIGTERM, wait up to the graceful
// timeout, then SIGKILL. It is idempotent when no process is running, and it
// also cancels any scheduled automatic restart.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.cancelPendingRestartLocked()

	if s.cmd == nil {
		s.mu.Unlock()
		return
	}

	s.stopping = true
	proc := s.cmd.Process
	exited := s.exited
	s.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("sigterm failed", slog.String("error", err.Error()))
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.GracefulTimeout):
		s.logger.Warn("worker did not exit in time, killing",
			slog.Duration("graceful_timeout", s.cfg.GracefulTimeout),
		)
		_ = proc.Kill()
		<-exited
	}

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
}

// Send writes a raw, already-framed message to the worker's stdin.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()

	if stdin == nil {
		return domain.ErrNoWorker
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("supervisor: write to worker: %w", err)
	}
	return nil
}

// Alive reports whether a worker process is currently attached.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Restarts returns the number of automatic restarts since the last external
// Start.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// spawnLocked launches the process and wires its stdio. Caller holds mu.
func (s *Supervisor) spawnLocked() error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", domain.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", domain.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", domain.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	s.gen++
	s.cmd = cmd
	s.stdin = stdin
	s.exited = make(chan struct{})

	gen := s.gen
	exited := s.exited

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readLoop(stdout)
	}()
	go func() {
		defer readers.Done()
		s.stderrLoop(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.handleExit(gen, err)
		close(exited)
	}()

	return nil
}

// readLoop frames the worker's stdout into records and hands each one to the
// OnRecord handler. Each process generation gets its own codec, so a partial
// fragment can never bleed into the next session.
func (s *Supervisor) readLoop(r io.Reader) {
	var codec protocol.LineCodec
	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, record := range codec.Feed(buf[:n]) {
				if s.handlers.OnRecord != nil {
					s.handlers.OnRecord(record)
				}
			}
		}
		if err != nil {
			if codec.Pending() > 0 {
				s.logger.Debug("discarding partial record at stream end",
					slog.Int("bytes", codec.Pending()),
				)
			}
			return
		}
	}
}

// stderrLoop drains the worker's stderr as diagnostic text. It is never
// parsed as protocol.
func (s *Supervisor) stderrLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Warn("worker stderr", slog.String("line", scanner.Text()))
	}
}

// handleExit runs once per process after its stdio has drained and Wait
// returned. A clean exit (code 0, or any exit while Stop is in progress) ends
// the session; an unexpected exit engages the restart policy.
func (s *Supervisor) handleExit(gen int, waitErr error) {
	s.mu.Lock()

	if gen != s.gen {
		// A newer process has already replaced this one.
		s.mu.Unlock()
		return
	}

	s.cmd = nil
	s.stdin = nil

	if s.stopping || waitErr == nil {
		s.mu.Unlock()
		s.logger.Info("worker exited cleanly")
		if s.handlers.OnExit != nil {
			s.handlers.OnExit(false)
		}
		return
	}

	delay := s.retry.NextBackOff()
	if delay == backoff.Stop {
		restarts := s.restarts
		s.mu.Unlock()
		s.logger.Error("worker restart attempts exhausted",
			slog.Int("restarts", restarts),
			slog.String("exit_error", waitErr.Error()),
		)
		if s.handlers.OnExit != nil {
			s.handlers.OnExit(true)
		}
		if s.handlers.OnTerminal != nil {
			s.handlers.OnTerminal(domain.ErrRestartsExhausted)
		}
		return
	}

	s.logger.Warn("worker exited unexpectedly, restarting",
		slog.String("exit_error", waitErr.Error()),
		slog.Duration("delay", delay),
		slog.Int("restarts_so_far", s.restarts),
	)
	s.pending = time.AfterFunc(delay, s.autoRestart)
	s.mu.Unlock()

	if s.handlers.OnExit != nil {
		s.handlers.OnExit(true)
	}
}

// autoRestart is the deferred restart attempt scheduled by handleExit.
func (s *Supervisor) autoRestart() {
	s.mu.Lock()

	if s.stopping || s.cmd != nil {
		s.mu.Unlock()
		return
	}

	if err := s.spawnLocked(); err != nil {
		// Respawn itself failed; burn another attempt.
		delay := s.retry.NextBackOff()
		if delay == backoff.Stop {
			s.mu.Unlock()
			s.logger.Error("worker respawn failed, attempts exhausted",
				slog.String("error", err.Error()),
			)
			if s.handlers.OnTerminal != nil {
				s.handlers.OnTerminal(domain.ErrRestartsExhausted)
			}
			return
		}
		s.logger.Warn("worker respawn failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		s.pending = time.AfterFunc(delay, s.autoRestart)
		s.mu.Unlock()
		return
	}

	s.restarts++
	attempt := s.restarts
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	s.logger.Info("worker restarted",
		slog.Int("attempt", attempt),
		slog.Int("pid", pid),
	)
	if s.handlers.OnRestart != nil {
		s.handlers.OnRestart(attempt)
	}
}

func (s *Supervisor) cancelPendingRestartLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}
