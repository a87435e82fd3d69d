// Package monitor watches running jobs, pushes a token back to the invoker
// each time a worker slot finishes, and fabricates timeout failures for
// calls that outlive their execution timeout.
//
// Two watcher flavors share one loop shape:
//   - storage: polls StatusStore.GetJobStatus every WaitDur
//   - broker: drains status events from the job topic, polling the store
//     only if the subscription ends early
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/storage"
)

// Monitor types.
const (
	TypeStorage = "storage"
	TypeBroker  = "broker"
)

// ErrUnknownJob is returned by JobStatus for jobs this manager never watched
// or has already pruned.
var ErrUnknownJob = errors.New("monitor: unknown job")

// SlotReleaser receives one Put per released worker slot.
type SlotReleaser interface {
	Put()
}

// Config tunes the watchers.
type Config struct {
	Type      string
	WaitDur   time.Duration
	Grace     time.Duration
	// Retention is how long a finished watcher stays queryable through
	// JobStatus and Done before it is pruned.
	Retention time.Duration
}

// WatchOptions adjust one Watch call.
type WatchOptions struct {
	// NoRelease tracks completion without pushing tokens, for a host that
	// delegated dispatch to a remote invoker.
	NoRelease bool
}

// Manager owns one watcher goroutine per job.
type Manager struct {
	store   storage.StatusStore
	broker  broker.Broker
	slots   SlotReleaser
	tracker *jobtracker.Tracker
	cfg     Config

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a manager. brk may be nil unless cfg.Type is broker;
// slots and tracker may be nil.
func NewManager(store storage.StatusStore, brk broker.Broker, slots SlotReleaser, tracker *jobtracker.Tracker, cfg Config) *Manager {
	if cfg.Type == "" {
		cfg.Type = TypeStorage
	}
	if cfg.WaitDur <= 0 {
		cfg.WaitDur = time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		broker:   brk,
		slots:    slots,
		tracker:  tracker,
		cfg:      cfg,
		watchers: make(map[string]*watcher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts watching job. For broker monitors the subscription is in
// place when Watch returns, so calls may be dispatched right after.
func (m *Manager) Watch(ctx context.Context, job *domain.Job, opts WatchOptions) error {
	if job.TotalCalls == 0 {
		return nil
	}
	key := job.Key()

	m.mu.Lock()
	if _, ok := m.watchers[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s is already watched", key)
	}
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor manager stopped")
	}
	wctx, cancel := context.WithCancel(m.ctx)
	w := &watcher{
		m:       m,
		job:     job,
		rec:     newRecord(job),
		release: !opts.NoRelease,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	m.watchers[key] = w
	m.mu.Unlock()

	var events <-chan *domain.CallStatus
	if m.cfg.Type == TypeBroker {
		if m.broker == nil {
			m.forget(key)
			cancel()
			return fmt.Errorf("broker monitor requires a broker")
		}
		ch, err := m.broker.Subscribe(wctx, broker.Topic(job.ExecutorID, job.JobID))
		if err != nil {
			m.forget(key)
			cancel()
			return fmt.Errorf("subscribe to job %s: %w", key, err)
		}
		events = ch
	}

	if m.tracker != nil {
		m.tracker.Start(key, job.TotalCalls)
	}
	metrics.IncActiveMonitors()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(wctx, events)
		close(w.done)
		metrics.DecActiveMonitors()
		m.retire(key, w)
	}()
	return nil
}

// Abandon accounts worker slots of a job that will never be dispatched.
func (m *Manager) Abandon(jobKey string, workerIDs []string) {
	w := m.lookup(jobKey)
	if w == nil || len(workerIDs) == 0 {
		return
	}
	w.rec.abandon(workerIDs)
	w.poke()
}

// JobStatus returns the job status as observed by the watcher.
func (m *Manager) JobStatus(_ context.Context, executorID, jobID string) (*domain.JobStatus, error) {
	w := m.lookup(executorID + "-" + jobID)
	if w == nil {
		return nil, ErrUnknownJob
	}
	return w.rec.snapshot(), nil
}

// Done returns a channel closed when the watcher of jobKey has exited, or
// nil for unknown or pruned jobs.
func (m *Manager) Done(jobKey string) <-chan struct{} {
	w := m.lookup(jobKey)
	if w == nil {
		return nil
	}
	return w.done
}

// Active returns the number of running watchers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.watchers {
		select {
		case <-w.done:
		default:
			n++
		}
	}
	return n
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) lookup(jobKey string) *watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watchers[jobKey]
}

// retire prunes a finished watcher once its retention expires. Watchers that
// finish during Stop stay registered.
func (m *Manager) retire(jobKey string, w *watcher) {
	t := time.NewTimer(m.cfg.Retention)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.ctx.Done():
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchers[jobKey] == w {
		delete(m.watchers, jobKey)
	}
}

// Len returns the number of watchers still registered, finished or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

func (m *Manager) forget(jobKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers, jobKey)
}
