package pending

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/stockmon/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveDeliversExactlyOnce(t *testing.T) {
	tbl := NewTable(time.Second, testLogger())

	done := tbl.Register("cmd-1")

	resp := domain.Response{Type: domain.ResponseTypeResponse, ID: "cmd-1"}
	if !tbl.Resolve(resp) {
		t.Fatal("expected resolve to match the registered command")
	}

	res := <-done
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Response.ID != "cmd-1" {
		t.Errorf("unexpected response id %q", res.Response.ID)
	}

	// A late duplicate with the same id must find nothing.
	if tbl.Resolve(resp) {
		t.Error("duplicate resolve should report no pending command")
	}
	if tbl.Outstanding() != 0 {
		t.Errorf("expected empty table, got %d entries", tbl.Outstanding())
	}
}

func TestTimeoutCompletesWaiter(t *testing.T) {
	tbl := NewTable(20*time.Millisecond, testLogger())

	done := tbl.Register("cmd-slow")

	select {
	case res := <-done:
		if !errors.Is(res.Err, domain.ErrCommandTimeout) {
			t.Fatalf("expected timeout error, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// A response arriving after expiry is ignored.
	if tbl.Resolve(domain.Response{ID: "cmd-slow"}) {
		t.Error("late response should not match an expired command")
	}
}

func TestUnsolicitedResponseDoesNotMatch(t *testing.T) {
	tbl := NewTable(time.Second, testLogger())
	tbl.Register("cmd-1")

	push := domain.Response{Type: domain.ResponseTypeData, ID: "auto_update"}
	if tbl.Resolve(push) {
		t.Error("push with unknown id must not resolve a pending command")
	}
	if tbl.Outstanding() != 1 {
		t.Errorf("pending command should survive, got %d entries", tbl.Outstanding())
	}
}

func TestResolveAndExpireRace(t *testing.T) {
	// Hammer the resolve/expire race: each registration must complete
	// exactly once regardless of which side wins.
	tbl := NewTable(time.Millisecond, testLogger())

	const n = 200
	var wg sync.WaitGroup
	results := make(chan Result, n)

	for i := 0; i < n; i++ {
		id := domain.NewCommand(domain.CommandUpdate, nil).ID
		done := tbl.Register(id)

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			tbl.Resolve(domain.Response{ID: id})
		}(id)

		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- <-done
		}()
	}

	wg.Wait()
	close(results)

	count := 0
	for res := range results {
		count++
		if res.Err != nil && !errors.Is(res.Err, domain.ErrCommandTimeout) {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	}
	if count != n {
		t.Fatalf("expected %d completions, got %d", n, count)
	}
	if tbl.Outstanding() != 0 {
		t.Errorf("expected empty table, got %d entries", tbl.Outstanding())
	}
}

func TestCloseFailsOutstanding(t *testing.T) {
	tbl := NewTable(time.Minute, testLogger())

	done := tbl.Register("cmd-1")
	tbl.Close()

	res := <-done
	if !errors.Is(res.Err, domain.ErrTableClosed) {
		t.Fatalf("expected ErrTableClosed, got %v", res.Err)
	}

	// Registrations after close fail immediately.
	res = <-tbl.Register("cmd-2")
	if !errors.Is(res.Err, domain.ErrTableClosed) {
		t.Fatalf("expected ErrTableClosed for late registration, got %v", res.Err)
	}
}
