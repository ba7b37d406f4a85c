package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
	"github.com/alanyoungcy/stockmon/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoWorker replies with one status record for every line it reads.
func echoWorker() Config {
	return Config{
		Command:         "sh",
		Args:            []string{"-c", `while read line; do echo '{"type":"status","timestamp":1,"status":"ok"}'; done`},
		GracefulTimeout: 2 * time.Second,
		RestartDelay:    10 * time.Millisecond,
		MaxRestarts:     3,
	}
}

func TestStartSendReceive(t *testing.T) {
	s := New(echoWorker(), testLogger())

	records := make(chan []byte, 8)
	s.SetHandlers(Handlers{OnRecord: func(rec []byte) { records <- rec }})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if !s.Alive() {
		t.Fatal("worker should be alive after start")
	}

	wire, err := protocol.EncodeCommand(domain.NewCommand(domain.CommandUpdate, nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.Send(wire); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case rec := <-records:
		resp, err := protocol.DecodeResponse(rec)
		if err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if resp.Status != "ok" {
			t.Errorf("unexpected status %q", resp.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no record received from worker")
	}
}

func TestSendWithoutProcess(t *testing.T) {
	s := New(echoWorker(), testLogger())

	if err := s.Send([]byte("hello\n")); !errors.Is(err, domain.ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
}

func TestSpawnFailure(t *testing.T) {
	cfg := echoWorker()
	cfg.Command = "/nonexistent/worker-binary"
	s := New(cfg, testLogger())

	err := s.Start()
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if s.Alive() {
		t.Error("no process should be attached after a failed spawn")
	}
}

func TestCleanStopDoesNotRestart(t *testing.T) {
	cfg := echoWorker()
	cfg.Command = "sleep"
	cfg.Args = []string{"60"}
	s := New(cfg, testLogger())

	terminal := make(chan error, 1)
	restarted := make(chan int, 8)
	s.SetHandlers(Handlers{
		OnTerminal: func(err error) { terminal <- err },
		OnRestart:  func(n int) { restarted <- n },
	})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Stop()

	if s.Alive() {
		t.Error("worker should be gone after stop")
	}

	select {
	case err := <-terminal:
		t.Fatalf("clean stop must not report terminal failure: %v", err)
	case n := <-restarted:
		t.Fatalf("clean stop must not trigger restart (attempt %d)", n)
	case <-time.After(200 * time.Millisecond):
	}

	// Idempotent with no process running.
	s.Stop()
}

func TestRestartBound(t *testing.T) {
	cfg := Config{
		Command:         "false", // exits 1 immediately
		GracefulTimeout: time.Second,
		RestartDelay:    5 * time.Millisecond,
		MaxRestarts:     3,
	}
	s := New(cfg, testLogger())

	terminal := make(chan error, 1)
	restarted := make(chan int, 16)
	s.SetHandlers(Handlers{
		OnTerminal: func(err error) { terminal <- err },
		OnRestart:  func(n int) { restarted <- n },
	})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-terminal:
		if !errors.Is(err, domain.ErrRestartsExhausted) {
			t.Fatalf("expected ErrRestartsExhausted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	attempts := len(restarted)
	if attempts > 3 {
		t.Errorf("restart bound exceeded: %d attempts", attempts)
	}

	// No further attempts after the terminal report.
	time.Sleep(100 * time.Millisecond)
	if extra := len(restarted) - attempts; extra > 0 {
		t.Errorf("%d restart(s) after terminal failure", extra)
	}
	if s.Alive() {
		t.Error("no process should be attached after exhaustion")
	}
}

func TestStartResetsRestartCounter(t *testing.T) {
	cfg := echoWorker()
	s := New(cfg, testLogger())

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if s.Restarts() != 0 {
		t.Errorf("fresh start should reset restart counter, got %d", s.Restarts())
	}

	// Starting over an already-alive worker stops it first and succeeds.
	if err := s.Start(); err != nil {
		t.Fatalf("restart over live worker: %v", err)
	}
	if !s.Alive() {
		t.Error("worker should be alive after second start")
	}
}
