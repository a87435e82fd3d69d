// Package executor is the client facade: it turns a function key and a list
// of inputs into a Job, uploads the inputs, runs the job on the invoker and
// waits on the resulting futures.
package executor

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/future"
	"github.com/oriys/meteor/internal/invoker"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/storage"
)

// ErrClosed is returned by Map after Close.
var ErrClosed = fmt.Errorf("executor is closed")

var (
	sessionID       = uuid.New().String()[:8]
	executorCounter atomic.Int64
)

// NextExecutorID returns a process-unique executor id "<session>-<n>".
func NextExecutorID() string {
	return fmt.Sprintf("%s-%d", sessionID, executorCounter.Add(1)-1)
}

// Executor submits jobs under one executor id.
type Executor struct {
	id      string
	inv     *invoker.Invoker
	store   storage.StatusStore
	tracker *jobtracker.Tracker
	wait    future.WaitOptions

	runtimeName      string
	runtimeMemory    int
	chunksize        int
	executionTimeout time.Duration

	jobCounter atomic.Int64
	closing    atomic.Bool
	inflight   sync.WaitGroup

	mu      sync.Mutex
	futures []*future.ResponseFuture
}

// New creates an executor running jobs on inv. store must be the store the
// invoker and its workers share.
func New(inv *invoker.Invoker, store storage.StatusStore, opts ...Option) *Executor {
	e := &Executor{
		id:               NextExecutorID(),
		inv:              inv,
		store:            store,
		runtimeName:      "default",
		runtimeMemory:    256,
		chunksize:        1,
		executionTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the executor id.
func (e *Executor) ID() string { return e.id }

// Map runs funcKey once per input and returns one future per input, in
// order. An empty input list yields no futures.
func (e *Executor) Map(ctx context.Context, funcKey string, inputs [][]byte, opts ...MapOption) ([]*future.ResponseFuture, error) {
	if e.closing.Load() {
		return nil, ErrClosed
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	s := mapSettings{chunksize: e.chunksize, timeout: e.executionTimeout}
	for _, opt := range opts {
		opt(&s)
	}

	jobID := domain.FormatJobID(domain.JobTypeMap, int(e.jobCounter.Add(1)-1))
	job := &domain.Job{
		ExecutorID:       e.id,
		JobID:            jobID,
		TotalCalls:       len(inputs),
		RuntimeName:      e.runtimeName,
		RuntimeMemory:    e.runtimeMemory,
		ExecutionTimeout: s.timeout,
		Chunksize:        s.chunksize,
		FuncKey:          funcKey,
		HostSubmitTime:   time.Now().UTC(),
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	if err := e.upload(ctx, job, inputs); err != nil {
		return nil, err
	}

	fs, err := e.inv.Run(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("run job %s: %w", job.Key(), err)
	}

	e.mu.Lock()
	e.futures = append(e.futures, fs...)
	e.mu.Unlock()

	logging.ForJob(job.Key()).Info("map submitted", "func", funcKey, "calls", len(inputs), "chunksize", s.chunksize)
	return fs, nil
}

// upload stores inputs as one aggregated blob and records each input's
// byte range on job.
func (e *Executor) upload(ctx context.Context, job *domain.Job, inputs [][]byte) error {
	size := 0
	for _, in := range inputs {
		size += len(in)
	}
	blob := make([]byte, 0, size)
	job.DataRanges = make([]domain.ByteRange, len(inputs))
	for i, in := range inputs {
		start := int64(len(blob))
		blob = append(blob, in...)
		job.DataRanges[i] = domain.ByteRange{Start: start, End: int64(len(blob))}
	}

	job.DataKey = path.Join("meteor.data", job.ExecutorID, job.JobID, "aggdata")
	if err := e.store.PutBlob(ctx, job.DataKey, blob); err != nil {
		return fmt.Errorf("upload data of %s: %w", job.Key(), err)
	}
	return nil
}

// Futures returns every future created by this executor.
func (e *Executor) Futures() []*future.ResponseFuture {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*future.ResponseFuture, len(e.futures))
	copy(out, e.futures)
	return out
}

func (e *Executor) waitOptions(opts future.WaitOptions) future.WaitOptions {
	if opts.WaitDur <= 0 {
		opts.WaitDur = e.wait.WaitDur
	}
	if opts.MaxDirectQueryN <= 0 {
		opts.MaxDirectQueryN = e.wait.MaxDirectQueryN
	}
	if opts.ReturnEarlyN <= 0 && opts.ReturnWhen == future.AllCompleted {
		opts.ReturnEarlyN = e.wait.ReturnEarlyN
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = e.wait.PoolSize
	}
	if opts.Source == nil {
		opts.Source = e.inv.Monitor()
	}
	return opts
}

// Wait waits on fs, or on every future of the executor when fs is nil.
func (e *Executor) Wait(ctx context.Context, fs []*future.ResponseFuture, opts future.WaitOptions) (done, notDone []*future.ResponseFuture, err error) {
	if fs == nil {
		fs = e.Futures()
	}
	return future.Wait(ctx, fs, e.waitOptions(opts))
}

// GetResult returns the outputs of fs, or of every future of the executor
// when fs is nil, in order.
func (e *Executor) GetResult(ctx context.Context, fs []*future.ResponseFuture, opts future.WaitOptions) ([][]byte, error) {
	if fs == nil {
		fs = e.Futures()
	}
	return future.GetResult(ctx, fs, e.waitOptions(opts))
}

// Progress returns the progress of one job of this executor, or nil.
func (e *Executor) Progress(jobID string) *jobtracker.Progress {
	if e.tracker == nil {
		return nil
	}
	return e.tracker.Get(e.id + "-" + jobID)
}

// Jobs lists the progress of every tracked job.
func (e *Executor) Jobs() []*jobtracker.Progress {
	if e.tracker == nil {
		return nil
	}
	return e.tracker.List()
}

// Close rejects new jobs, waits for submissions in progress and stops the
// invoker.
func (e *Executor) Close() {
	if !e.closing.CompareAndSwap(false, true) {
		return
	}
	e.inflight.Wait()
	e.inv.Stop()
}
