package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
	"github.com/oriys/meteor/internal/observability"
)

// invokeDriver hands the whole job to one remote activation, retrying with
// jitter while the backend throttles. Failures abort every call of the job.
func (inv *Invoker) invokeDriver(ctx context.Context, js *jobState) {
	job := js.job
	log := logging.ForJob(job.Key())

	p := domain.NewDriverPayload(job, inv.cfg.Workers)
	tc := observability.ExtractTraceContext(ctx)
	p.TraceParent, p.TraceState = tc.TraceParent, tc.TraceState
	data, err := p.Encode()
	if err != nil {
		inv.abortAll(js, err)
		return
	}

	for {
		b := inv.pick()
		start := time.Now()
		activationID, err := b.Invoke(ctx, job.RuntimeName, job.RuntimeMemory, data)
		elapsed := float64(time.Since(start).Milliseconds())
		switch {
		case err != nil:
			metrics.RecordDispatch(b.Name(), "error", elapsed)
			log.Error("driver dispatch failed", "backend", b.Name(), "error", err)
			inv.abortAll(js, err)
			return
		case activationID != "":
			metrics.RecordDispatch(b.Name(), "ok", elapsed)
			log.Info("job handed to remote invoker",
				"backend", b.Name(), "activation_id", activationID, "calls", job.TotalCalls)
			return
		}

		metrics.RecordDispatch(b.Name(), "throttled", elapsed)
		d := inv.jitter()
		if d <= 0 {
			d = time.Millisecond
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			inv.abortAll(js, ctx.Err())
			return
		case <-inv.ctx.Done():
			t.Stop()
			inv.abortAll(js, ErrStopped)
			return
		case <-t.C:
		}
	}
}

// abortAll fails every call of a job that was never dispatched.
func (inv *Invoker) abortAll(js *jobState, cause error) {
	js.aborted.Store(true)
	chunks := js.job.Chunks()
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.WorkerID
	}
	inv.monitor.Abandon(js.job.Key(), ids)
	ierr := &domain.InvocationError{JobKey: js.job.Key(), Err: cause}
	for _, f := range js.futures {
		f.Fail(ierr)
	}
}

// RunDriver runs the job carried by a driver payload on this side of a
// remote-invoker deployment. It dispatches the calls with a private token
// bucket of p.Workers tokens and returns once every call is accounted for.
func (inv *Invoker) RunDriver(ctx context.Context, p *domain.InvocationPayload) error {
	if p.Kind != domain.PayloadDriver || p.Job == nil {
		return fmt.Errorf("not a driver payload")
	}
	job := p.Job
	if job.TotalCalls == 0 {
		return nil
	}
	ctx = observability.InjectTraceContext(ctx, observability.TraceContext{
		TraceParent: p.TraceParent,
		TraceState:  p.TraceState,
	})

	cfg := inv.cfg
	cfg.RemoteInvoker = false
	cfg.Tracker = nil
	if p.Workers > 0 {
		cfg.Workers = p.Workers
	}
	child, err := New(cfg)
	if err != nil {
		return err
	}
	defer child.Stop()

	if _, err := child.Run(ctx, job); err != nil {
		return fmt.Errorf("run job %s: %w", job.Key(), err)
	}

	// A nil channel means the watcher already finished and was pruned.
	if done := child.monitor.Done(job.Key()); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		case <-inv.ctx.Done():
			return ErrStopped
		}
	}
	logging.ForJob(job.Key()).Info("remote invoker finished job", "calls", job.TotalCalls)
	return nil
}
