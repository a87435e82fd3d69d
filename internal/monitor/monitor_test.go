package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/storage"
)

type countingSlots struct{ n atomic.Int64 }

func (c *countingSlots) Put() { c.n.Add(1) }

func endStatus(job *domain.Job, idx int) *domain.CallStatus {
	return &domain.CallStatus{
		Type: domain.StatusEnd, ExecutorID: job.ExecutorID, JobID: job.JobID,
		CallID: domain.CallID(idx), WorkerID: job.WorkerOf(idx), Success: true,
	}
}

func waitDone(t *testing.T, m *Manager, job *domain.Job) {
	t.Helper()
	done := m.Done(job.Key())
	if done == nil {
		t.Fatalf("job %s is not watched", job.Key())
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("monitor for %s did not finish", job.Key())
	}
}

func TestStorageMonitorTokenConservation(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	m := NewManager(store, nil, slots, nil, Config{Type: TypeStorage, WaitDur: 5 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M000", TotalCalls: 5, Chunksize: 2}
	if err := m.Watch(context.Background(), job, WatchOptions{}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < job.TotalCalls; i++ {
		_ = store.PutCallStatus(ctx, endStatus(job, i))
		// Duplicate deliveries must not release extra tokens.
		_ = store.PutCallStatus(ctx, endStatus(job, i))
		time.Sleep(2 * time.Millisecond)
	}
	waitDone(t, m, job)

	if got, want := slots.n.Load(), int64(job.NumChunks()); got != want {
		t.Fatalf("released %d tokens, want %d", got, want)
	}
	js, err := m.JobStatus(ctx, "e", "M000")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if len(js.Done) != 5 || len(js.Running) != 0 {
		t.Fatalf("unexpected job status: %+v", js)
	}
}

func TestPartialSlotHoldsToken(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	m := NewManager(store, nil, slots, nil, Config{WaitDur: 5 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M001", TotalCalls: 4, Chunksize: 2}
	_ = m.Watch(context.Background(), job, WatchOptions{})
	_ = store.PutCallStatus(context.Background(), endStatus(job, 0))

	time.Sleep(50 * time.Millisecond)
	if got := slots.n.Load(); got != 0 {
		t.Fatalf("slot with one of two calls done released %d tokens", got)
	}
	_ = store.PutCallStatus(context.Background(), endStatus(job, 1))
	deadline := time.Now().Add(2 * time.Second)
	for slots.n.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := slots.n.Load(); got != 1 {
		t.Fatalf("expected 1 token after slot finished, got %d", got)
	}
}

func TestBrokerMonitor(t *testing.T) {
	store := storage.NewMemoryStore()
	b := broker.NewChannelBroker()
	defer b.Close()
	slots := &countingSlots{}
	tracker := jobtracker.New(time.Minute)
	defer tracker.Close()

	m := NewManager(store, b, slots, tracker, Config{Type: TypeBroker, WaitDur: 10 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M002", TotalCalls: 3, Chunksize: 1}
	if err := m.Watch(context.Background(), job, WatchOptions{}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	ctx := context.Background()
	topic := broker.Topic(job.ExecutorID, job.JobID)
	_ = b.Publish(ctx, topic, &domain.CallStatus{
		Type: domain.StatusInit, ExecutorID: "e", JobID: "M002", CallID: "00000", WorkerID: "w00000", StartTime: time.Now(),
	})
	for i := 0; i < job.TotalCalls; i++ {
		_ = b.Publish(ctx, topic, endStatus(job, i))
	}
	_ = b.Publish(ctx, topic, endStatus(job, 1))
	waitDone(t, m, job)

	if got := slots.n.Load(); got != 3 {
		t.Fatalf("released %d tokens, want 3", got)
	}
	p := tracker.Get(job.Key())
	if p == nil || p.Percent != 100 || p.Phase != jobtracker.PhaseCompleted {
		t.Fatalf("unexpected progress: %+v", p)
	}
}

func TestBrokerMonitorRequiresBroker(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), nil, nil, nil, Config{Type: TypeBroker})
	defer m.Stop()
	job := &domain.Job{ExecutorID: "e", JobID: "M003", TotalCalls: 1}
	if err := m.Watch(context.Background(), job, WatchOptions{}); err == nil {
		t.Fatal("expected error without broker")
	}
	if m.Done(job.Key()) != nil {
		t.Fatal("failed watch should not be registered")
	}
}

func TestWatchdogFabricatesTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	m := NewManager(store, nil, slots, nil, Config{WaitDur: 5 * time.Millisecond, Grace: 10 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M004", TotalCalls: 1, ExecutionTimeout: 20 * time.Millisecond}
	ctx := context.Background()
	_ = store.PutCallStatus(ctx, &domain.CallStatus{
		Type: domain.StatusInit, ExecutorID: "e", JobID: "M004", CallID: "00000",
		WorkerID: "w00000", StartTime: time.Now().Add(-time.Second),
	})
	if err := m.Watch(ctx, job, WatchOptions{}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitDone(t, m, job)

	st, err := store.GetCallStatus(ctx, "e", "M004", "00000")
	if err != nil {
		t.Fatalf("GetCallStatus: %v", err)
	}
	if st.Type != domain.StatusEnd || !st.Synthetic || st.Exception == nil || st.Exception.Type != domain.ErrTypeTimeout {
		t.Fatalf("expected synthetic timeout status, got %+v", st)
	}
	if got := slots.n.Load(); got != 1 {
		t.Fatalf("expected the timed-out slot to release a token, got %d", got)
	}
}

func TestWatchdogTimesOutCallsStrandedInSlot(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	m := NewManager(store, nil, slots, nil, Config{WaitDur: 5 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M009", TotalCalls: 3, Chunksize: 3, ExecutionTimeout: 20 * time.Millisecond}
	ctx := context.Background()
	_ = store.PutCallStatus(ctx, endStatus(job, 0))
	_ = store.PutCallStatus(ctx, &domain.CallStatus{
		Type: domain.StatusInit, ExecutorID: "e", JobID: "M009", CallID: "00001",
		WorkerID: "w00000", StartTime: time.Now().Add(-time.Second),
	})
	if err := m.Watch(ctx, job, WatchOptions{}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	waitDone(t, m, job)

	if st, _ := store.GetCallStatus(ctx, "e", "M009", "00000"); !st.Success {
		t.Fatalf("finished call was overwritten: %+v", st)
	}
	for _, id := range []string{"00001", "00002"} {
		st, err := store.GetCallStatus(ctx, "e", "M009", id)
		if err != nil {
			t.Fatalf("GetCallStatus %s: %v", id, err)
		}
		if !st.Synthetic || st.Exception == nil || st.Exception.Type != domain.ErrTypeTimeout || st.WorkerID != "w00000" {
			t.Fatalf("call %s: expected synthetic timeout, got %+v", id, st)
		}
	}
	if got := slots.n.Load(); got != 1 {
		t.Fatalf("released %d tokens, want 1", got)
	}
}

func TestWatchdogLeavesFreshCallsAlone(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, nil, nil, nil, Config{WaitDur: 5 * time.Millisecond, Grace: time.Second})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M005", TotalCalls: 1, ExecutionTimeout: time.Second}
	ctx := context.Background()
	_ = store.PutCallStatus(ctx, &domain.CallStatus{
		Type: domain.StatusInit, ExecutorID: "e", JobID: "M005", CallID: "00000", StartTime: time.Now(),
	})
	_ = m.Watch(ctx, job, WatchOptions{})
	time.Sleep(50 * time.Millisecond)

	st, _ := store.GetCallStatus(ctx, "e", "M005", "00000")
	if st.Type != domain.StatusInit {
		t.Fatalf("call within its timeout was failed: %+v", st)
	}
	js, _ := m.JobStatus(ctx, "e", "M005")
	if len(js.Running) != 1 {
		t.Fatalf("expected 1 running call, got %+v", js)
	}
}

func TestAbandonCompletesWithoutTokens(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	tracker := jobtracker.New(time.Minute)
	defer tracker.Close()
	m := NewManager(store, nil, slots, tracker, Config{WaitDur: 5 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M006", TotalCalls: 4, Chunksize: 1}
	ctx := context.Background()
	_ = m.Watch(ctx, job, WatchOptions{})
	_ = store.PutCallStatus(ctx, endStatus(job, 0))
	_ = store.PutCallStatus(ctx, endStatus(job, 1))
	m.Abandon(job.Key(), []string{domain.WorkerID(2), domain.WorkerID(3)})
	waitDone(t, m, job)

	if got := slots.n.Load(); got != 2 {
		t.Fatalf("released %d tokens, want 2", got)
	}
	if p := tracker.Get(job.Key()); p.Phase != jobtracker.PhaseAborted {
		t.Fatalf("expected aborted phase, got %s", p.Phase)
	}
}

func TestNoReleaseWatch(t *testing.T) {
	store := storage.NewMemoryStore()
	slots := &countingSlots{}
	m := NewManager(store, nil, slots, nil, Config{WaitDur: 5 * time.Millisecond})
	defer m.Stop()

	job := &domain.Job{ExecutorID: "e", JobID: "M007", TotalCalls: 2}
	_ = m.Watch(context.Background(), job, WatchOptions{NoRelease: true})
	_ = store.PutCallStatus(context.Background(), endStatus(job, 0))
	_ = store.PutCallStatus(context.Background(), endStatus(job, 1))
	waitDone(t, m, job)
	if got := slots.n.Load(); got != 0 {
		t.Fatalf("expected no tokens, got %d", got)
	}
}

func TestJobStatusUnknownJob(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), nil, nil, nil, Config{})
	defer m.Stop()
	if _, err := m.JobStatus(context.Background(), "e", "M999"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestWatchRejectsDuplicates(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), nil, nil, nil, Config{WaitDur: time.Hour})
	defer m.Stop()
	job := &domain.Job{ExecutorID: "e", JobID: "M008", TotalCalls: 1}
	if err := m.Watch(context.Background(), job, WatchOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(context.Background(), job, WatchOptions{}); err == nil {
		t.Fatal("expected duplicate watch error")
	}
	if m.Active() != 1 {
		t.Fatalf("Active = %d", m.Active())
	}
}

func TestRecordIgnoresForeignCallIDs(t *testing.T) {
	r := newRecord(&domain.Job{ExecutorID: "e", JobID: "M000", TotalCalls: 2})
	if fresh, _ := r.markDone("00009"); fresh {
		t.Fatal("out of range call should be ignored")
	}
	if fresh, _ := r.markDone("abc"); fresh {
		t.Fatal("malformed call id should be ignored")
	}
}

func TestFinishedWatchersArePruned(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store, nil, nil, nil, Config{WaitDur: 5 * time.Millisecond, Retention: 20 * time.Millisecond})
	defer m.Stop()

	ctx := context.Background()
	var jobs []*domain.Job
	var dones []<-chan struct{}
	for i := 0; i < 10; i++ {
		job := &domain.Job{ExecutorID: "e", JobID: domain.FormatJobID(domain.JobTypeMap, i), TotalCalls: 1}
		if err := m.Watch(ctx, job, WatchOptions{}); err != nil {
			t.Fatalf("Watch %s: %v", job.Key(), err)
		}
		jobs = append(jobs, job)
		dones = append(dones, m.Done(job.Key()))
		_ = store.PutCallStatus(ctx, endStatus(job, 0))
	}
	for i, done := range dones {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("monitor for %s did not finish", jobs[i].Key())
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("%d finished watchers still registered", n)
	}
	if m.Done(jobs[0].Key()) != nil {
		t.Fatal("Done should be nil for a pruned job")
	}
	if _, err := m.JobStatus(ctx, "e", jobs[0].JobID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob after pruning, got %v", err)
	}
	// A pruned key can be watched again.
	if err := m.Watch(ctx, jobs[0], WatchOptions{}); err != nil {
		t.Fatalf("re-Watch after pruning: %v", err)
	}
}
