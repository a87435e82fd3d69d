package invoker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/backend/local"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/future"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/monitor"
	"github.com/oriys/meteor/internal/storage"
	"github.com/oriys/meteor/internal/worker"
)

// fakeBackend records every payload it is handed. It throttles the first
// throttle invocations, fails every invocation when err is set, and
// otherwise forwards to next when set.
type fakeBackend struct {
	name     string
	protocol string

	mu       sync.Mutex
	payloads []*domain.InvocationPayload
	throttle int
	err      error
	next     backend.ComputeBackend
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Invoke(ctx context.Context, runtimeName string, memoryMB int, data []byte) (string, error) {
	p, err := domain.DecodePayload(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.payloads = append(b.payloads, p)
	if b.throttle > 0 {
		b.throttle--
		b.mu.Unlock()
		return "", nil
	}
	fail, next := b.err, b.next
	b.mu.Unlock()

	if fail != nil {
		return "", fail
	}
	if next != nil {
		return next.Invoke(ctx, runtimeName, memoryMB, data)
	}
	return "act-" + p.WorkerID, nil
}

func (b *fakeBackend) RuntimeKey(runtimeName string, memoryMB int) string {
	return runtimeName
}

func (b *fakeBackend) RuntimeMeta(context.Context, string, int) (*domain.RuntimeMeta, error) {
	v := b.protocol
	if v == "" {
		v = domain.ProtocolVersion
	}
	return &domain.RuntimeMeta{ProtocolVersion: v}, nil
}

func (b *fakeBackend) workerIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.payloads))
	for i, p := range b.payloads {
		ids[i] = p.WorkerID
	}
	return ids
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func newTestInvoker(t *testing.T, store storage.StatusStore, cfg Config) *Invoker {
	t.Helper()
	cfg.Store = store
	if cfg.Monitor.Type == "" {
		cfg.Monitor = monitor.Config{Type: monitor.TypeStorage, WaitDur: 5 * time.Millisecond}
	}
	cfg.PollInterval = 5 * time.Millisecond
	if cfg.ThrottleJitter == 0 {
		cfg.ThrottleJitter = time.Millisecond
	}
	inv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(inv.Stop)
	return inv
}

func newLocal(t *testing.T, name string, deps worker.Deps) *local.Backend {
	t.Helper()
	b := local.New(name, deps, 0)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

// makeJob uploads inputs as one blob and returns a job over them.
func makeJob(t *testing.T, store storage.StatusStore, id, fn string, chunksize int, inputs ...string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ExecutorID: "e", JobID: id, TotalCalls: len(inputs), Chunksize: chunksize,
		FuncKey: fn, RuntimeName: "default", RuntimeMemory: 256,
		ExecutionTimeout: time.Minute,
	}
	if len(inputs) == 0 {
		return job
	}
	job.DataKey = "blobs/" + id
	var off int64
	for _, in := range inputs {
		job.DataRanges = append(job.DataRanges, domain.ByteRange{Start: off, End: off + int64(len(in))})
		off += int64(len(in))
	}
	if err := store.PutBlob(context.Background(), job.DataKey, []byte(strings.Join(inputs, ""))); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	return job
}

func completeCall(t *testing.T, store storage.StatusStore, job *domain.Job, idx int) {
	t.Helper()
	st := &domain.CallStatus{
		Type: domain.StatusEnd, ExecutorID: job.ExecutorID, JobID: job.JobID,
		CallID: domain.CallID(idx), WorkerID: job.WorkerOf(idx), Success: true,
	}
	if err := store.PutCallStatus(context.Background(), st); err != nil {
		t.Fatalf("PutCallStatus: %v", err)
	}
}

func TestTokenBucket(t *testing.T) {
	b := NewTokenBucket(2)
	if !b.TryGet() || !b.TryGet() {
		t.Fatal("expected two tokens")
	}
	if b.TryGet() {
		t.Fatal("bucket should be empty")
	}
	if b.Inflight() != 2 || b.Available() != 0 {
		t.Fatalf("inflight=%d available=%d", b.Inflight(), b.Available())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	overflows := metrics.Global().Snapshot().TokenOverflows
	b.Put()
	b.Put()
	b.Put() // surplus is discarded
	if b.Available() != 2 {
		t.Fatalf("available=%d, want 2", b.Available())
	}
	if got := metrics.Global().Snapshot().TokenOverflows - overflows; got < 1 {
		t.Fatalf("surplus token not counted as overflow")
	}
}

func TestAdmissionOrdersChunksByTokens(t *testing.T) {
	store := storage.NewMemoryStore()
	fb := &fakeBackend{name: "fake"}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 2, InvokerWorkers: 1})

	job := makeJob(t, store, "M000", "echo", 1, "a", "b", "c", "d")
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs) != 4 {
		t.Fatalf("expected 4 futures, got %d", len(fs))
	}
	for _, f := range fs {
		if f.State() != domain.StateInvoked {
			t.Fatalf("future %s starts in %s", f.CallID(), f.State())
		}
	}

	eventually(t, func() bool { return fb.count() == 2 }, "first two chunks not dispatched: %v", fb.workerIDs())
	first := fb.workerIDs()
	sort.Strings(first)
	if first[0] != "w00000" || first[1] != "w00001" {
		t.Fatalf("unexpected first batch %v", first)
	}

	time.Sleep(30 * time.Millisecond)
	if n := fb.count(); n != 2 {
		t.Fatalf("dispatched %d chunks with 2 tokens", n)
	}
	if inv.Tokens().Inflight() != 2 {
		t.Fatalf("inflight=%d, want 2", inv.Tokens().Inflight())
	}

	completeCall(t, store, job, 0)
	eventually(t, func() bool { return fb.count() == 3 }, "third chunk not dispatched after release")
	if got := fb.workerIDs()[2]; got != "w00002" {
		t.Fatalf("third dispatch went to %s", got)
	}

	completeCall(t, store, job, 1)
	eventually(t, func() bool { return fb.count() == 4 }, "fourth chunk not dispatched after release")
	if got := fb.workerIDs()[3]; got != "w00003" {
		t.Fatalf("fourth dispatch went to %s", got)
	}
	if inv.Tokens().Inflight() > 2 {
		t.Fatalf("inflight=%d exceeds workers", inv.Tokens().Inflight())
	}

	completeCall(t, store, job, 2)
	completeCall(t, store, job, 3)
	eventually(t, func() bool { return inv.Tokens().Available() == 2 }, "tokens not returned")
	if fs[0].ActivationID() == "" {
		t.Fatal("activation id not recorded on future")
	}
}

func TestEveryChunkDispatchedOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := newLocal(t, "local", worker.Deps{Store: store, Handlers: worker.NewBuiltinRegistry()})
	fb := &fakeBackend{name: "fake", next: runner}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 3, InvokerWorkers: 2})

	inputs := make([]string, 20)
	for i := range inputs {
		inputs[i] = string(rune('a' + i))
	}
	job := makeJob(t, store, "M001", "upper", 3, inputs...)
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, err := future.GetResult(context.Background(), fs, future.WaitOptions{
		WaitDur: 10 * time.Millisecond, Timeout: 5 * time.Second, Source: inv.Monitor(), ThrowExcept: true,
	})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	for i, data := range out {
		if want := strings.ToUpper(inputs[i]); string(data) != want {
			t.Fatalf("call %d: got %q want %q", i, data, want)
		}
	}

	seen := make(map[string]int)
	for _, id := range fb.workerIDs() {
		seen[id]++
	}
	if len(seen) != job.NumChunks() {
		t.Fatalf("dispatched %d distinct chunks, want %d", len(seen), job.NumChunks())
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("chunk %s dispatched %d times", id, n)
		}
	}
	eventually(t, func() bool { return inv.Tokens().Available() == 3 }, "tokens not conserved: %d", inv.Tokens().Available())
}

func TestThrottledChunkIsRetried(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := newLocal(t, "local", worker.Deps{Store: store, Handlers: worker.NewBuiltinRegistry()})
	fb := &fakeBackend{name: "fake", throttle: 1, next: runner}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 1})

	job := makeJob(t, store, "M002", "upper", 1, "x")
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, err := future.GetResult(context.Background(), fs, future.WaitOptions{WaitDur: 10 * time.Millisecond, Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if string(out[0]) != "X" {
		t.Fatalf("unexpected output %q", out[0])
	}
	if n := fb.count(); n != 2 {
		t.Fatalf("expected 2 dispatch attempts, got %d", n)
	}
	if fs[0].State() != domain.StateDone {
		t.Fatalf("future in state %s", fs[0].State())
	}
}

func TestStopDropsPendingChunks(t *testing.T) {
	store := storage.NewMemoryStore()
	fb := &fakeBackend{name: "fake"}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 1})

	job := makeJob(t, store, "M003", "echo", 1, "a", "b", "c")
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	eventually(t, func() bool { return fb.count() == 1 }, "first chunk not dispatched")

	inv.Stop()
	inv.Stop()

	if fb.count() != 1 {
		t.Fatalf("pending chunks dispatched after stop: %v", fb.workerIDs())
	}
	if fs[0].State() != domain.StateInvoked {
		t.Fatalf("dispatched call moved to %s", fs[0].State())
	}
	for _, f := range fs[1:] {
		if f.State() != domain.StateError || !errors.Is(f.Err(), ErrStopped) {
			t.Fatalf("dropped call %s: state=%s err=%v", f.CallID(), f.State(), f.Err())
		}
	}
	if _, err := inv.Run(context.Background(), makeJob(t, store, "M004", "echo", 1, "z")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestRuntimeMismatchIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	fb := &fakeBackend{name: "old", protocol: "meteor/0"}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 1})

	_, err := inv.Run(context.Background(), makeJob(t, store, "M005", "echo", 1, "a"))
	if !errors.Is(err, ErrRuntimeMismatch) {
		t.Fatalf("expected ErrRuntimeMismatch, got %v", err)
	}
	if fb.count() != 0 {
		t.Fatal("nothing should be dispatched on mismatch")
	}
	if inv.Monitor().Active() != 0 {
		t.Fatal("no monitor should be started on mismatch")
	}
}

func TestZeroCallJob(t *testing.T) {
	store := storage.NewMemoryStore()
	fb := &fakeBackend{name: "fake"}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 1})

	fs, err := inv.Run(context.Background(), makeJob(t, store, "M006", "echo", 1))
	if err != nil || fs != nil {
		t.Fatalf("expected nil, nil; got %v, %v", fs, err)
	}
	if fb.count() != 0 || inv.Monitor().Active() != 0 {
		t.Fatal("zero-call job should not dispatch or monitor")
	}
}

func TestTransportErrorAbortsJob(t *testing.T) {
	store := storage.NewMemoryStore()
	fb := &fakeBackend{name: "fake", err: errors.New("connection refused")}
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 1})

	job := makeJob(t, store, "M007", "echo", 1, "a", "b", "c")
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case <-inv.Monitor().Done(job.Key()):
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not finish after abort")
	}
	for _, f := range fs {
		var ie *domain.InvocationError
		if f.State() != domain.StateError || !errors.As(f.Err(), &ie) {
			t.Fatalf("call %s: state=%s err=%v", f.CallID(), f.State(), f.Err())
		}
	}
	if n := fb.count(); n != 1 {
		t.Fatalf("expected a single failed dispatch, got %d", n)
	}
	eventually(t, func() bool { return inv.Tokens().Available() == 1 }, "token not returned after abort")

	done, _, err := future.Wait(context.Background(), fs, future.WaitOptions{WaitDur: 10 * time.Millisecond, Timeout: time.Second})
	if err != nil || len(done) != 3 {
		t.Fatalf("Wait over aborted job: done=%d err=%v", len(done), err)
	}
}

func TestRemoteInvokerRunsJobOnDriver(t *testing.T) {
	store := storage.NewMemoryStore()
	handlers := worker.NewBuiltinRegistry()

	calls := newLocal(t, "calls", worker.Deps{Store: store, Handlers: handlers})
	driver := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{calls}, Workers: 2})
	front := newLocal(t, "driver", worker.Deps{Store: store, Handlers: handlers, Driver: driver.RunDriver})
	fb := &fakeBackend{name: "front", next: front}
	host := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{fb}, Workers: 3, RemoteInvoker: true})

	job := makeJob(t, store, "M008", "upper", 2, "ab", "cd", "ef")
	fs, err := host.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, err := future.GetResult(context.Background(), fs, future.WaitOptions{
		WaitDur: 10 * time.Millisecond, Timeout: 5 * time.Second, Source: host.Monitor(),
	})
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	for i, want := range []string{"AB", "CD", "EF"} {
		if string(out[i]) != want {
			t.Fatalf("call %d: got %q want %q", i, out[i], want)
		}
	}

	if n := fb.count(); n != 1 {
		t.Fatalf("expected one driver invocation, got %d", n)
	}
	if host.Tokens().Available() != 3 {
		t.Fatalf("host tokens used in remote mode: %d available", host.Tokens().Available())
	}
	select {
	case <-host.Monitor().Done(job.Key()):
	case <-time.After(3 * time.Second):
		t.Fatal("host monitor did not finish")
	}
}

func TestRunDriverRejectsCallPayload(t *testing.T) {
	store := storage.NewMemoryStore()
	inv := newTestInvoker(t, store, Config{Backends: []backend.ComputeBackend{&fakeBackend{name: "fake"}}})
	job := makeJob(t, store, "M009", "echo", 1, "a")
	if err := inv.RunDriver(context.Background(), domain.NewCallPayload(job, job.Chunks()[0])); err == nil {
		t.Fatal("expected error for call payload")
	}
}

func TestHungCallTimesOutItsWholeSlot(t *testing.T) {
	store := storage.NewMemoryStore()
	release := make(chan struct{})
	handlers := worker.NewRegistry()
	handlers.Register("hang", func(context.Context, []byte) ([]byte, error) {
		<-release
		return []byte(`"late"`), nil
	})
	runner := newLocal(t, "local", worker.Deps{Store: store, Handlers: handlers})
	t.Cleanup(func() { close(release) })
	inv := newTestInvoker(t, store, Config{
		Backends: []backend.ComputeBackend{runner},
		Workers:  1,
		Monitor:  monitor.Config{Type: monitor.TypeStorage, WaitDur: 5 * time.Millisecond},
	})

	job := makeJob(t, store, "M010", "hang", 2, "a", "b")
	job.ExecutionTimeout = 50 * time.Millisecond
	fs, err := inv.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	done, notDone, err := future.Wait(context.Background(), fs, future.WaitOptions{
		ReturnWhen: future.AllCompleted,
		Timeout:    2 * time.Second,
		WaitDur:    5 * time.Millisecond,
		Source:     inv.Monitor(),
	})
	if err != nil {
		t.Fatalf("Wait: %v (done=%d notDone=%d)", err, len(done), len(notDone))
	}
	for _, f := range fs {
		st := f.StatusRecord()
		if st == nil || st.Exception == nil || st.Exception.Type != domain.ErrTypeTimeout || !st.Synthetic {
			t.Fatalf("call %s: expected synthetic timeout, got %+v", f.CallID(), st)
		}
	}
	eventually(t, func() bool { return inv.Tokens().Available() == 1 }, "slot token not returned after timeout")
}
