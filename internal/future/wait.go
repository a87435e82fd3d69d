package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/observability"
)

// ErrWaitTimeout is returned by Wait, together with the partitions at the
// deadline, when the timeout elapses before the wait condition holds.
var ErrWaitTimeout = errors.New("future: wait timed out")

// ReturnWhen selects when Wait returns.
type ReturnWhen int

const (
	AllCompleted ReturnWhen = iota
	AnyCompleted
	AlwaysReturn
)

func (r ReturnWhen) String() string {
	switch r {
	case AllCompleted:
		return "ALL_COMPLETED"
	case AnyCompleted:
		return "ANY_COMPLETED"
	case AlwaysReturn:
		return "ALWAYS"
	default:
		return "UNKNOWN"
	}
}

// JobStatusSource reports the running and done calls of a job. The monitor
// manager satisfies it; the store is used for jobs it does not know.
type JobStatusSource interface {
	JobStatus(ctx context.Context, executorID, jobID string) (*domain.JobStatus, error)
}

// WaitOptions tune Wait.
type WaitOptions struct {
	ReturnWhen ReturnWhen
	// Timeout bounds the wait; zero waits until ctx is done.
	Timeout time.Duration
	// DownloadResults makes a future count as done only once its output is
	// loaded.
	DownloadResults bool
	// ThrowExcept makes GetResult return the first call failure.
	ThrowExcept bool
	// WaitDur is the base sleep between rounds.
	WaitDur time.Duration
	// MaxDirectQueryN caps individual status queries per round.
	MaxDirectQueryN int
	// ReturnEarlyN ends a round's individual queries once that many
	// futures became ready. Zero picks 10 for AllCompleted and 1 otherwise.
	ReturnEarlyN int
	// PoolSize bounds concurrent store queries.
	PoolSize int
	Source   JobStatusSource
}

const minRoundSleep = 50 * time.Millisecond

func (o WaitOptions) withDefaults() WaitOptions {
	if o.WaitDur <= 0 {
		o.WaitDur = time.Second
	}
	if o.MaxDirectQueryN <= 0 {
		o.MaxDirectQueryN = 250
	}
	if o.ReturnEarlyN <= 0 {
		if o.ReturnWhen == AllCompleted {
			o.ReturnEarlyN = 10
		} else {
			o.ReturnEarlyN = 1
		}
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 64
	}
	return o
}

// jobQueries deduplicates job status lookups issued by concurrent waits.
var jobQueries singleflight.Group

// Wait blocks until the futures satisfy opts.ReturnWhen and returns them
// partitioned into done and not done. A failed call counts as done; call
// failures never make Wait return an error.
func Wait(ctx context.Context, fs []*ResponseFuture, opts WaitOptions) (done, notDone []*ResponseFuture, err error) {
	opts = opts.withDefaults()
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "meteor.future.wait",
		observability.AttrReturnWhen.String(opts.ReturnWhen.String()),
		observability.AttrFutures.Int(len(fs)),
	)
	defer func() {
		if err != nil && !errors.Is(err, ErrWaitTimeout) {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		span.End()
		metrics.RecordWait(opts.ReturnWhen.String(), float64(time.Since(start).Milliseconds()))
	}()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = start.Add(opts.Timeout)
	}

	for {
		done, notDone = partition(fs, opts.DownloadResults)
		if satisfied(opts.ReturnWhen, len(done), len(notDone)) {
			return done, notDone, nil
		}

		if err := round(ctx, notDone, opts); err != nil {
			return done, notDone, err
		}

		done, notDone = partition(fs, opts.DownloadResults)
		if satisfied(opts.ReturnWhen, len(done), len(notDone)) || opts.ReturnWhen == AlwaysReturn {
			return done, notDone, nil
		}

		sleep := roundSleep(opts.WaitDur, len(notDone), len(fs))
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return done, notDone, ErrWaitTimeout
			}
			if sleep > remaining {
				sleep = remaining
			}
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return done, notDone, ctx.Err()
		case <-t.C:
		}
	}
}

// GetResult waits for every future and returns their outputs in order. With
// opts.ThrowExcept the first failed call aborts with its *CallError.
func GetResult(ctx context.Context, fs []*ResponseFuture, opts WaitOptions) ([][]byte, error) {
	opts.ReturnWhen = AllCompleted
	opts.DownloadResults = true
	if _, _, err := Wait(ctx, fs, opts); err != nil {
		return nil, err
	}

	out := make([][]byte, len(fs))
	for i, f := range fs {
		data, err := f.Result(ctx, opts.ThrowExcept)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func partition(fs []*ResponseFuture, download bool) (done, notDone []*ResponseFuture) {
	for _, f := range fs {
		ok := f.Ready()
		if download {
			ok = f.Done()
		}
		if ok {
			done = append(done, f)
		} else {
			notDone = append(notDone, f)
		}
	}
	return done, notDone
}

func satisfied(when ReturnWhen, done, notDone int) bool {
	switch when {
	case AnyCompleted:
		return done > 0 || notDone == 0
	default:
		return notDone == 0
	}
}

// roundSleep scales the base sleep by the fraction of futures still
// pending.
func roundSleep(base time.Duration, pending, total int) time.Duration {
	if total == 0 {
		return minRoundSleep
	}
	d := time.Duration(float64(base) * float64(pending) / float64(total))
	if d < minRoundSleep {
		d = minRoundSleep
	}
	return d
}

// round runs one status refresh over the pending futures: job statuses
// first, then individual status queries for calls reported done, then
// output downloads.
func round(ctx context.Context, pending []*ResponseFuture, opts WaitOptions) error {
	byJob := make(map[string][]*ResponseFuture)
	var order []string
	for _, f := range pending {
		key := f.JobKey()
		if _, ok := byJob[key]; !ok {
			order = append(order, key)
		}
		byJob[key] = append(byJob[key], f)
	}

	var (
		mu         sync.Mutex
		candidates []*ResponseFuture
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.PoolSize)
	for _, key := range order {
		group := byJob[key]
		g.Go(func() error {
			js, err := jobStatus(gctx, group[0], opts.Source)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logging.ForJob(group[0].JobKey()).Debug("job status query failed", "error", err)
				mu.Lock()
				candidates = append(candidates, unready(group)...)
				mu.Unlock()
				return nil
			}
			picked := classify(group, js)
			mu.Lock()
			candidates = append(candidates, picked...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(candidates) > opts.MaxDirectQueryN {
		candidates = candidates[:opts.MaxDirectQueryN]
	}
	if err := queryCalls(ctx, candidates, opts); err != nil {
		return err
	}

	if opts.DownloadResults {
		return download(ctx, pending, opts.PoolSize)
	}
	return nil
}

func jobStatus(ctx context.Context, f *ResponseFuture, src JobStatusSource) (*domain.JobStatus, error) {
	key := f.JobKey()
	v, err, _ := jobQueries.Do(key, func() (interface{}, error) {
		if src != nil {
			js, err := src.JobStatus(ctx, f.executorID, f.jobID)
			if err == nil {
				return js, nil
			}
		}
		return f.store.GetJobStatus(ctx, f.executorID, f.jobID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.JobStatus), nil
}

// classify marks futures seen running and returns those reported done but
// not yet ready locally.
func classify(group []*ResponseFuture, js *domain.JobStatus) []*ResponseFuture {
	running := make(map[string]struct{}, len(js.Running))
	for _, rc := range js.Running {
		running[rc.CallID] = struct{}{}
	}
	finished := make(map[string]struct{}, len(js.Done))
	for _, id := range js.Done {
		finished[id] = struct{}{}
	}

	var picked []*ResponseFuture
	for _, f := range group {
		if f.Ready() {
			continue
		}
		if _, ok := finished[f.callID]; ok {
			picked = append(picked, f)
			continue
		}
		if _, ok := running[f.callID]; ok {
			f.markRunning()
		}
	}
	return picked
}

func unready(group []*ResponseFuture) []*ResponseFuture {
	var out []*ResponseFuture
	for _, f := range group {
		if !f.Ready() {
			out = append(out, f)
		}
	}
	return out
}

// queryCalls fetches individual statuses, stopping once ReturnEarlyN
// futures became ready.
func queryCalls(ctx context.Context, fs []*ResponseFuture, opts WaitOptions) error {
	if len(fs) == 0 {
		return nil
	}
	var ready atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.PoolSize)
	for _, f := range fs {
		if ready.Load() >= int64(opts.ReturnEarlyN) {
			break
		}
		g.Go(func() error {
			if ready.Load() >= int64(opts.ReturnEarlyN) {
				return nil
			}
			if err := f.refresh(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logging.ForJob(f.JobKey()).Debug("call status query failed", "call_id", f.callID, "error", err)
				return nil
			}
			if f.Ready() {
				ready.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

func download(ctx context.Context, fs []*ResponseFuture, poolSize int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)
	for _, f := range fs {
		if !f.Ready() || f.Done() {
			continue
		}
		g.Go(func() error {
			if err := f.download(gctx); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logging.ForJob(f.JobKey()).Debug("output download failed", "call_id", f.callID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
