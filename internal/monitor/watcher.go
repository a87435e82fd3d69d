package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
)

type watcher struct {
	m       *Manager
	job     *domain.Job
	rec     *record
	release bool
	wake    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func (w *watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the watcher loop. events is nil for storage watchers. When a
// broker subscription ends before the job does, the loop keeps going by
// polling the store.
func (w *watcher) run(ctx context.Context, events <-chan *domain.CallStatus) {
	defer w.cancel()
	log := logging.ForJob(w.job.Key())
	log.Debug("job monitor started", "monitor", w.m.cfg.Type, "calls", w.job.TotalCalls, "slots", w.job.NumChunks())

	ticker := time.NewTicker(w.m.cfg.WaitDur)
	defer ticker.Stop()

	polling := events == nil
	if polling {
		w.poll(ctx)
	}
	for !w.rec.finished() {
		select {
		case <-ctx.Done():
			log.Debug("job monitor cancelled")
			w.finish(jobtracker.PhaseStopped)
			return
		case st, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("status subscription closed, falling back to store polling")
				}
				events = nil
				polling = true
				continue
			}
			w.apply(st)
		case <-w.wake:
		case <-ticker.C:
			if polling {
				w.poll(ctx)
			}
			w.watchdog(ctx)
		}
		w.progress()
	}

	done, _ := w.rec.counts()
	log.Debug("job monitor finished", "done", done)
	if w.rec.anyAbandoned() {
		w.finish(jobtracker.PhaseAborted)
		return
	}
	w.finish(jobtracker.PhaseCompleted)
}

func (w *watcher) poll(ctx context.Context) {
	js, err := w.m.store.GetJobStatus(ctx, w.job.ExecutorID, w.job.JobID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.ForJob(w.job.Key()).Warn("job status poll failed", "error", err)
		}
		return
	}
	for _, rc := range js.Running {
		w.rec.observeRunning(rc)
	}
	for _, id := range js.Done {
		w.complete(id)
	}
}

func (w *watcher) apply(st *domain.CallStatus) {
	if st.ExecutorID != w.job.ExecutorID || st.JobID != w.job.JobID {
		return
	}
	if st.Type == domain.StatusEnd {
		w.complete(st.CallID)
		return
	}
	w.rec.observeRunning(domain.RunningCall{
		CallID:    st.CallID,
		WorkerID:  st.WorkerID,
		StartTime: st.StartTime,
	})
}

// complete marks a call done and pushes a token when its slot finished.
func (w *watcher) complete(callID string) {
	fresh, releaseToken := w.rec.markDone(callID)
	if !fresh || !releaseToken || !w.release || w.m.slots == nil {
		return
	}
	w.m.slots.Put()
	metrics.RecordSlotReleased(w.m.cfg.Type)
}

// watchdog fails every call running longer than its execution timeout plus
// grace with a synthetic TimeoutError, along with the calls of the same
// worker slot that are still waiting behind it.
func (w *watcher) watchdog(ctx context.Context) {
	if w.job.ExecutionTimeout <= 0 {
		return
	}
	limit := w.job.ExecutionTimeout + w.m.cfg.Grace
	now := time.Now().UTC()
	log := logging.ForJob(w.job.Key())
	for _, rc := range w.rec.overdue(now.Add(-limit)) {
		log.Warn("call timed out", "call", rc.CallID, "worker", rc.WorkerID, "running_for", now.Sub(rc.StartTime).Round(time.Millisecond))
		w.timeout(ctx, rc, now, fmt.Sprintf("call %s exceeded its execution timeout of %s", rc.CallID, w.job.ExecutionTimeout))

		for _, sc := range w.rec.stranded(rc.CallID) {
			log.Warn("call stranded behind timed out call", "call", sc.CallID, "blocked_by", rc.CallID, "worker", sc.WorkerID)
			w.timeout(ctx, sc, now, fmt.Sprintf("call %s never ran: call %s of worker %s exceeded its execution timeout of %s",
				sc.CallID, rc.CallID, sc.WorkerID, w.job.ExecutionTimeout))
		}
	}
}

// timeout stores and publishes a synthetic TimeoutError end record for rc
// and marks it done.
func (w *watcher) timeout(ctx context.Context, rc domain.RunningCall, now time.Time, msg string) {
	st := &domain.CallStatus{
		Type:           domain.StatusEnd,
		ExecutorID:     w.job.ExecutorID,
		JobID:          w.job.JobID,
		CallID:         rc.CallID,
		WorkerID:       rc.WorkerID,
		HostSubmitTime: w.job.HostSubmitTime,
		StartTime:      rc.StartTime,
		EndTime:        now,
		Exception: &domain.RemoteError{
			Type:    domain.ErrTypeTimeout,
			Message: msg,
		},
		Synthetic: true,
	}
	log := logging.ForJob(w.job.Key())
	if err := w.m.store.PutCallStatus(ctx, st); err != nil {
		log.Error("failed to store timeout status", "call", rc.CallID, "error", err)
	}
	if w.m.broker != nil {
		if err := w.m.broker.Publish(ctx, broker.Topic(st.ExecutorID, st.JobID), st); err != nil {
			log.Warn("failed to publish timeout status", "call", rc.CallID, "error", err)
		}
	}
	metrics.RecordWatchdogTimeout()
	w.complete(rc.CallID)
}

func (w *watcher) progress() {
	if w.m.tracker == nil {
		return
	}
	done, running := w.rec.counts()
	w.m.tracker.Update(w.job.Key(), done, running)
}

func (w *watcher) finish(phase string) {
	if w.m.tracker == nil {
		return
	}
	w.progress()
	w.m.tracker.Finish(w.job.Key(), phase)
}
