package monitor

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/meteor/internal/domain"
)

// record is the monitor's view of one job: which calls run, which are done,
// how many calls each worker slot has completed and which slots have been
// released. A slot is released exactly once, when its completed count
// reaches its chunk length or when it is abandoned.
type record struct {
	mu         sync.Mutex
	job        *domain.Job
	running    map[string]domain.RunningCall
	done       map[string]bool
	workerDone map[int]int
	released   map[int]bool
	abandoned  map[int]bool
}

func newRecord(job *domain.Job) *record {
	return &record{
		job:        job,
		running:    make(map[string]domain.RunningCall),
		done:       make(map[string]bool),
		workerDone: make(map[int]int),
		released:   make(map[int]bool),
		abandoned:  make(map[int]bool),
	}
}

// observeRunning notes a call that has started. Done calls are ignored.
func (r *record) observeRunning(rc domain.RunningCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done[rc.CallID] {
		return
	}
	if prev, ok := r.running[rc.CallID]; ok && !prev.StartTime.IsZero() && prev.StartTime.Before(rc.StartTime) {
		return
	}
	r.running[rc.CallID] = rc
}

// markDone records a finished call. It reports whether the call was new and
// whether its completion released a worker slot that needs a token.
func (r *record) markDone(callID string) (fresh, releaseToken bool) {
	idx, err := domain.ParseCallID(callID)
	if err != nil || idx >= r.job.TotalCalls {
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done[callID] {
		return false, false
	}
	r.done[callID] = true
	delete(r.running, callID)

	chunk := idx / r.job.EffectiveChunksize()
	r.workerDone[chunk]++
	if r.workerDone[chunk] >= r.job.ChunkLen(chunk) && !r.released[chunk] {
		r.released[chunk] = true
		return true, true
	}
	return true, false
}

// abandon accounts slots that will never run. No token is owed for them.
func (r *record) abandon(workerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range workerIDs {
		chunk, err := parseWorkerID(id)
		if err != nil || chunk >= r.job.NumChunks() {
			continue
		}
		r.abandoned[chunk] = true
		r.released[chunk] = true
	}
}

// finished reports whether every slot has been released or abandoned.
func (r *record) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released) >= r.job.NumChunks()
}

func (r *record) anyAbandoned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.abandoned) > 0
}

func (r *record) counts() (done, running int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done), len(r.running)
}

// overdue returns the running calls that started before deadline.
func (r *record) overdue(deadline time.Time) []domain.RunningCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RunningCall
	for _, rc := range r.running {
		if !rc.StartTime.IsZero() && rc.StartTime.Before(deadline) {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// stranded returns the calls of callID's worker slot, other than callID, that
// are not done. A worker runs its slot in order, so once one call hangs the
// rest never start.
func (r *record) stranded(callID string) []domain.RunningCall {
	idx, err := domain.ParseCallID(callID)
	if err != nil || idx >= r.job.TotalCalls {
		return nil
	}
	chunk := idx / r.job.EffectiveChunksize()
	first := chunk * r.job.EffectiveChunksize()

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RunningCall
	for i := first; i < first+r.job.ChunkLen(chunk); i++ {
		id := domain.CallID(i)
		if i != idx && !r.done[id] {
			out = append(out, domain.RunningCall{CallID: id, WorkerID: domain.WorkerID(chunk)})
		}
	}
	return out
}

func (r *record) snapshot() *domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	js := &domain.JobStatus{
		Running: make([]domain.RunningCall, 0, len(r.running)),
		Done:    make([]string, 0, len(r.done)),
	}
	for _, rc := range r.running {
		js.Running = append(js.Running, rc)
	}
	for id := range r.done {
		js.Done = append(js.Done, id)
	}
	sort.Slice(js.Running, func(i, j int) bool { return js.Running[i].CallID < js.Running[j].CallID })
	sort.Strings(js.Done)
	return js
}

func parseWorkerID(id string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(id, "w"))
}
