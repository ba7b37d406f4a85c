package domain

import "errors"

var (
	// ErrNotFound is returned by stores and caches for missing keys.
	ErrNotFound = errors.New("not found")

	// ErrNoWorker is returned when a message is sent with no live worker
	// process attached.
	ErrNoWorker = errors.New("no worker process")

	// ErrSpawnFailed wraps a failure to launch the worker executable. It is
	// surfaced immediately, never retried inside Start.
	ErrSpawnFailed = errors.New("worker spawn failed")

	// ErrCommandTimeout is returned when no response arrives for a command
	// within the correlation deadline. The worker is not assumed dead.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrUnexpectedExit is reported when the worker exits without a
	// preceding stop.
	ErrUnexpectedExit = errors.New("worker exited unexpectedly")

	// ErrRestartsExhausted is reported after the restart policy gives up on
	// an unexpectedly exiting worker.
	ErrRestartsExhausted = errors.New("worker restart attempts exhausted")

	// ErrNotRunning is returned by operations that are only valid while the
	// monitor is in the running state.
	ErrNotRunning = errors.New("monitor not running")

	// ErrTableClosed is returned for commands registered after the pending
	// table has been shut down.
	ErrTableClosed = errors.New("pending table closed")
)
