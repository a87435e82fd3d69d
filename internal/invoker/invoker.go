// Package invoker dispatches the chunks of a job to compute backends under
// admission control. A TokenBucket of Workers tokens bounds the worker
// slots in flight; the job monitor hands tokens back as slots finish.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/future"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/monitor"
	"github.com/oriys/meteor/internal/observability"
	"github.com/oriys/meteor/internal/storage"
)

var (
	// ErrRuntimeMismatch is returned by Run when a backend runs a worker
	// runtime speaking another protocol version.
	ErrRuntimeMismatch = errors.New("invoker: runtime protocol mismatch")
	// ErrStopped is returned by Run after Stop, and attached to the futures
	// of chunks dropped by Stop.
	ErrStopped = errors.New("invoker: stopped")
)

// Config holds the collaborators and limits of an Invoker.
type Config struct {
	Backends []backend.ComputeBackend
	// Registry caches runtime metadata; a private one is used when nil.
	Registry *backend.Registry
	Store    storage.StatusStore
	Broker   broker.Broker
	Tracker  *jobtracker.Tracker
	Monitor  monitor.Config

	Workers          int
	InvokerWorkers   int
	DispatchPoolSize int
	RemoteInvoker    bool
	ThrottleJitter   time.Duration
	// PollInterval is handed to the futures for Status polling.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 100
	}
	if c.InvokerWorkers <= 0 {
		c.InvokerWorkers = 2
	}
	if c.DispatchPoolSize <= 0 {
		c.DispatchPoolSize = 250
	}
	if c.ThrottleJitter < 0 {
		c.ThrottleJitter = 0
	}
	if c.Registry == nil {
		c.Registry = backend.NewRegistry()
	}
	return c
}

// jobState is the invoker-side view of one submitted job.
type jobState struct {
	job     *domain.Job
	futures []*future.ResponseFuture
	span    trace.SpanContext
	aborted atomic.Bool
}

func (js *jobState) chunkFutures(c domain.Chunk) []*future.ResponseFuture {
	out := make([]*future.ResponseFuture, 0, len(c.CallIDs))
	for _, id := range c.CallIDs {
		idx, err := domain.ParseCallID(id)
		if err != nil || idx >= len(js.futures) {
			continue
		}
		out = append(out, js.futures[idx])
	}
	return out
}

// Invoker runs jobs. It is safe for concurrent use.
type Invoker struct {
	cfg     Config
	bucket  *TokenBucket
	pending *pendingQueue
	pool    *semaphore.Weighted
	monitor *monitor.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	mu        sync.RWMutex
	stopped   bool
}

// New creates an invoker with a full token bucket and its own monitor
// manager.
func New(cfg Config) (*Invoker, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("invoker requires at least one backend")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("invoker requires a status store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	inv := &Invoker{
		cfg:     cfg,
		bucket:  NewTokenBucket(cfg.Workers),
		pending: newPendingQueue(),
		pool:    semaphore.NewWeighted(int64(cfg.DispatchPoolSize)),
		ctx:     ctx,
		cancel:  cancel,
	}
	inv.monitor = monitor.NewManager(cfg.Store, cfg.Broker, inv.bucket, cfg.Tracker, cfg.Monitor)
	return inv, nil
}

// Tokens exposes the admission bucket.
func (inv *Invoker) Tokens() *TokenBucket { return inv.bucket }

// Monitor exposes the monitor manager, which also serves job statuses to
// the wait engine.
func (inv *Invoker) Monitor() *monitor.Manager { return inv.monitor }

// Run submits job and returns one future per call in call order. Calls
// start asynchronously; Run returns once the first batch is handed to the
// backends.
func (inv *Invoker) Run(ctx context.Context, job *domain.Job) ([]*future.ResponseFuture, error) {
	if job.TotalCalls == 0 {
		return nil, nil
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if inv.stopped || inv.ctx.Err() != nil {
		return nil, ErrStopped
	}

	ctx, span := observability.StartSpan(ctx, "meteor.invoker.run",
		observability.AttrExecutorID.String(job.ExecutorID),
		observability.AttrJobKey.String(job.Key()),
		observability.AttrTotalCalls.Int(job.TotalCalls),
	)
	defer span.End()

	if err := inv.checkRuntime(ctx, job); err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	js := &jobState{
		job:     job,
		futures: make([]*future.ResponseFuture, job.TotalCalls),
		span:    trace.SpanContextFromContext(ctx),
	}
	for i := range js.futures {
		f := future.New(job, domain.CallID(i), inv.cfg.Store)
		f.SetPollInterval(inv.cfg.PollInterval)
		js.futures[i] = f
	}

	log := logging.ForJob(job.Key())
	if inv.cfg.RemoteInvoker {
		if err := inv.monitor.Watch(ctx, job, monitor.WatchOptions{NoRelease: true}); err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		inv.invokeDriver(ctx, js)
		observability.SetSpanOK(span)
		return js.futures, nil
	}

	if err := inv.monitor.Watch(ctx, job, monitor.WatchOptions{}); err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	inv.start()

	chunks := job.Chunks()
	direct := 0
	for direct < len(chunks) && inv.bucket.TryGet() {
		direct++
	}
	for _, c := range chunks[:direct] {
		inv.launch(pendingChunk{js: js, chunk: c})
	}
	rest := make([]pendingChunk, 0, len(chunks)-direct)
	for _, c := range chunks[direct:] {
		rest = append(rest, pendingChunk{js: js, chunk: c})
	}
	inv.pending.push(rest...)

	log.Info("job submitted",
		"calls", job.TotalCalls,
		"chunks", len(chunks),
		"direct", direct,
		"pending", len(rest))
	observability.SetSpanOK(span)
	return js.futures, nil
}

// checkRuntime rejects backends whose worker runtime speaks another
// protocol version.
func (inv *Invoker) checkRuntime(ctx context.Context, job *domain.Job) error {
	for _, b := range inv.cfg.Backends {
		meta, err := inv.cfg.Registry.RuntimeMeta(ctx, b, job.RuntimeName, job.RuntimeMemory)
		if err != nil {
			return fmt.Errorf("check runtime of %s: %w", b.Name(), err)
		}
		if meta.ProtocolVersion != domain.ProtocolVersion {
			return fmt.Errorf("%w: backend %s runs %q, invoker speaks %q",
				ErrRuntimeMismatch, b.Name(), meta.ProtocolVersion, domain.ProtocolVersion)
		}
	}
	return nil
}

// start launches the background workers once.
func (inv *Invoker) start() {
	inv.startOnce.Do(inv.startWorkers)
}

func (inv *Invoker) startWorkers() {
	for i := 0; i < inv.cfg.InvokerWorkers; i++ {
		inv.wg.Add(1)
		go inv.worker(i)
	}
	logging.Op().Info("invoker workers started",
		"workers", inv.cfg.InvokerWorkers,
		"tokens", inv.bucket.Capacity(),
		"dispatch_pool", inv.cfg.DispatchPoolSize)
}

// worker pops pending chunks, takes a token for each and dispatches it.
func (inv *Invoker) worker(id int) {
	defer inv.wg.Done()
	for {
		item, ok := inv.pending.pop(inv.ctx)
		if !ok {
			return
		}
		if item.js.aborted.Load() {
			inv.drop(item, nil)
			continue
		}
		if err := inv.bucket.Get(inv.ctx); err != nil {
			inv.pending.pushFront(item)
			return
		}
		if item.js.aborted.Load() {
			inv.bucket.Put()
			inv.drop(item, nil)
			continue
		}
		logging.Op().Debug("invoker worker took chunk", "invoker_worker", id,
			"job", item.js.job.Key(), "worker_id", item.chunk.WorkerID)
		inv.launch(item)
	}
}

// launch dispatches item on the dispatch pool. The caller holds a token
// for it.
func (inv *Invoker) launch(item pendingChunk) {
	if err := inv.pool.Acquire(inv.ctx, 1); err != nil {
		inv.bucket.Put()
		inv.pending.pushFront(item)
		return
	}
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		defer inv.pool.Release(1)
		inv.dispatch(item)
	}()
}

func (inv *Invoker) pick() backend.ComputeBackend {
	bs := inv.cfg.Backends
	if len(bs) == 1 {
		return bs[0]
	}
	return bs[rand.IntN(len(bs))]
}

// dispatch invokes one chunk. It returns the token on throttling and on
// transport errors; on success the monitor returns it.
func (inv *Invoker) dispatch(item pendingChunk) {
	js, chunk := item.js, item.chunk
	if js.aborted.Load() {
		inv.bucket.Put()
		inv.drop(item, nil)
		return
	}

	b := inv.pick()
	ctx := trace.ContextWithSpanContext(inv.ctx, js.span)
	ctx, span := observability.StartClientSpan(ctx, "meteor.invoker.dispatch",
		observability.AttrJobKey.String(js.job.Key()),
		observability.AttrWorkerID.String(chunk.WorkerID),
		observability.AttrCallCount.Int(len(chunk.CallIDs)),
		observability.AttrBackend.String(b.Name()),
	)
	defer span.End()

	p := domain.NewCallPayload(js.job, chunk)
	tc := observability.ExtractTraceContext(ctx)
	p.TraceParent, p.TraceState = tc.TraceParent, tc.TraceState
	data, err := p.Encode()
	if err != nil {
		observability.SetSpanError(span, err)
		inv.abort(item, err)
		inv.bucket.Put()
		return
	}

	start := time.Now()
	activationID, err := b.Invoke(ctx, js.job.RuntimeName, js.job.RuntimeMemory, data)
	elapsed := float64(time.Since(start).Milliseconds())
	log := logging.ForJob(js.job.Key())

	switch {
	case err != nil:
		metrics.RecordDispatch(b.Name(), "error", elapsed)
		observability.SetSpanError(span, err)
		if inv.ctx.Err() != nil {
			inv.pending.pushFront(item)
			inv.bucket.Put()
			return
		}
		log.Error("dispatch failed", "worker_id", chunk.WorkerID, "backend", b.Name(), "error", err)
		// The job is marked aborted before the token goes back, so no
		// other chunk of it slips through.
		inv.abort(item, err)
		inv.bucket.Put()

	case activationID == "":
		metrics.RecordDispatch(b.Name(), "throttled", elapsed)
		log.Debug("dispatch throttled", "worker_id", chunk.WorkerID, "backend", b.Name())
		inv.retryLater(item)

	default:
		metrics.RecordDispatch(b.Name(), "ok", elapsed)
		span.SetAttributes(observability.AttrActivationID.String(activationID))
		observability.SetSpanOK(span)
		for _, f := range js.chunkFutures(chunk) {
			f.SetActivationID(activationID)
		}
		log.Debug("chunk dispatched", "worker_id", chunk.WorkerID, "backend", b.Name(),
			"activation_id", activationID, "calls", len(chunk.CallIDs))
	}
}

// retryLater re-enqueues a throttled chunk after a random jitter and then
// returns its token.
func (inv *Invoker) retryLater(item pendingChunk) {
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		if d := inv.jitter(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-inv.ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if inv.ctx.Err() != nil {
			inv.pending.pushFront(item)
		} else {
			inv.pending.push(item)
		}
		inv.bucket.Put()
	}()
}

func (inv *Invoker) jitter() time.Duration {
	if inv.cfg.ThrottleJitter <= 0 {
		return 0
	}
	return rand.N(inv.cfg.ThrottleJitter)
}

// abort fails the job after a transport error on item. Chunks of the job
// still pending are dropped when popped.
func (inv *Invoker) abort(item pendingChunk, cause error) {
	js := item.js
	ierr := &domain.InvocationError{JobKey: js.job.Key(), Err: cause}
	if js.aborted.CompareAndSwap(false, true) {
		logging.ForJob(js.job.Key()).Error("job aborted", "error", cause)
	}
	inv.monitor.Abandon(js.job.Key(), []string{item.chunk.WorkerID})
	for _, f := range js.chunkFutures(item.chunk) {
		f.Fail(ierr)
	}
}

// drop discards a chunk that will never be dispatched. A nil cause means
// the job was aborted earlier.
func (inv *Invoker) drop(item pendingChunk, cause error) {
	js := item.js
	if cause == nil {
		cause = errors.New("job aborted after an earlier dispatch failure")
	}
	metrics.RecordDropped(1)
	inv.monitor.Abandon(js.job.Key(), []string{item.chunk.WorkerID})
	ierr := &domain.InvocationError{JobKey: js.job.Key(), Err: cause}
	for _, f := range js.chunkFutures(item.chunk) {
		f.Fail(ierr)
	}
}

// Stop halts the background workers, waits for dispatches in flight and
// drops every pending chunk. Futures of dropped chunks fail with
// ErrStopped. Stop is idempotent.
func (inv *Invoker) Stop() {
	// Cancel first so a Run blocked on a throttled backend lets go of mu.
	inv.cancel()

	inv.mu.Lock()
	if inv.stopped {
		inv.mu.Unlock()
		return
	}
	inv.stopped = true
	inv.mu.Unlock()

	inv.wg.Wait()

	dropped := inv.pending.drain()
	for _, item := range dropped {
		inv.drop(item, ErrStopped)
	}
	inv.monitor.Stop()
	logging.Op().Info("invoker stopped", "dropped_chunks", len(dropped))
}
