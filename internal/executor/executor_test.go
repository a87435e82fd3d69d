package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/backend/local"
	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/future"
	"github.com/oriys/meteor/internal/invoker"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/monitor"
	"github.com/oriys/meteor/internal/storage"
	"github.com/oriys/meteor/internal/worker"
)

func newTestExecutor(t *testing.T, workers int) *Executor {
	t.Helper()
	store := storage.NewMemoryStore()
	tracker := jobtracker.New(time.Minute)
	t.Cleanup(tracker.Close)

	b := local.New("local", worker.Deps{Store: store, Handlers: worker.NewBuiltinRegistry()}, 0)
	t.Cleanup(func() { _ = b.Close() })

	inv, err := invoker.New(invoker.Config{
		Backends:     []backend.ComputeBackend{b},
		Store:        store,
		Tracker:      tracker,
		Monitor:      monitor.Config{Type: monitor.TypeStorage, WaitDur: 5 * time.Millisecond},
		Workers:      workers,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("invoker.New: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Wait.WaitDur = 10 * time.Millisecond
	e := New(inv, store,
		WithTracker(tracker),
		WithJobDefaults(cfg.Executor),
		WithWaitConfig(cfg.Wait),
	)
	t.Cleanup(e.Close)
	return e
}

func inputs(words ...string) [][]byte {
	out := make([][]byte, len(words))
	for i, w := range words {
		out[i] = []byte(w)
	}
	return out
}

func TestNextExecutorIDUnique(t *testing.T) {
	a, b := NextExecutorID(), NextExecutorID()
	if a == b {
		t.Fatalf("duplicate executor id %q", a)
	}
	if !strings.HasPrefix(a, sessionID+"-") {
		t.Fatalf("executor id %q lacks session prefix", a)
	}
}

func TestMapGetResult(t *testing.T) {
	e := newTestExecutor(t, 2)
	ctx := context.Background()

	fs, err := e.Map(ctx, "upper", inputs("alpha", "beta", "gamma"), WithChunksize(2))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(fs) != 3 || fs[0].JobID() != "M000" || fs[0].ExecutorID() != e.ID() {
		t.Fatalf("unexpected futures: n=%d job=%s", len(fs), fs[0].JobID())
	}

	out, err := e.GetResult(ctx, fs, future.WaitOptions{Timeout: 5 * time.Second, ThrowExcept: true})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	for i, want := range []string{"ALPHA", "BETA", "GAMMA"} {
		if string(out[i]) != want {
			t.Fatalf("call %d: got %q want %q", i, out[i], want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		p := e.Progress("M000")
		if p != nil && p.Phase == jobtracker.PhaseCompleted && p.Done == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job progress not completed: %+v", p)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobIDsIncrease(t *testing.T) {
	e := newTestExecutor(t, 4)
	ctx := context.Background()

	first, err := e.Map(ctx, "echo", inputs("a"))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	second, err := e.Map(ctx, "echo", inputs("b"))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if first[0].JobID() != "M000" || second[0].JobID() != "M001" {
		t.Fatalf("unexpected job ids %s, %s", first[0].JobID(), second[0].JobID())
	}

	// nil waits on every future of the executor.
	out, err := e.GetResult(ctx, nil, future.WaitOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(out) != 2 || string(out[0]) != "a" || string(out[1]) != "b" {
		t.Fatalf("unexpected outputs %q", out)
	}
}

func TestFailedCallSurfacesOnlyWithThrowExcept(t *testing.T) {
	e := newTestExecutor(t, 2)
	ctx := context.Background()

	fs, err := e.Map(ctx, "fail", inputs("bad input"))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	done, _, err := e.Wait(ctx, fs, future.WaitOptions{Timeout: 5 * time.Second})
	if err != nil || len(done) != 1 {
		t.Fatalf("Wait: done=%d err=%v", len(done), err)
	}
	if fs[0].State() != domain.StateError {
		t.Fatalf("expected error state, got %s", fs[0].State())
	}

	_, err = e.GetResult(ctx, fs, future.WaitOptions{Timeout: time.Second, ThrowExcept: true})
	var ce *future.CallError
	if !errors.As(err, &ce) || ce.Remote.Type != "RuntimeError" || ce.Remote.Message != "bad input" {
		t.Fatalf("expected RuntimeError call error, got %v", err)
	}
}

func TestWaitAnyCompleted(t *testing.T) {
	e := newTestExecutor(t, 4)
	ctx := context.Background()

	fs, err := e.Map(ctx, "sleep", inputs("1ms", "2s"))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	done, notDone, err := e.Wait(ctx, fs, future.WaitOptions{ReturnWhen: future.AnyCompleted, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(done) != 1 || done[0].CallID() != "00000" || len(notDone) != 1 {
		t.Fatalf("unexpected partitions %d/%d", len(done), len(notDone))
	}
}

func TestEmptyMapAndClose(t *testing.T) {
	e := newTestExecutor(t, 1)
	fs, err := e.Map(context.Background(), "echo", nil)
	if err != nil || fs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", fs, err)
	}

	e.Close()
	e.Close()
	if _, err := e.Map(context.Background(), "echo", inputs("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
