// Package jobtracker keeps in-memory progress for submitted jobs. Monitors
// feed it as calls complete; the CLI and executor read it.
package jobtracker

import (
	"sort"
	"sync"
	"time"
)

// Job phases.
const (
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseAborted   = "aborted"
	PhaseStopped   = "stopped"
)

// Progress represents the current progress of one job.
type Progress struct {
	JobKey      string    `json:"job_key"`
	Total       int       `json:"total"`
	Done        int       `json:"done"`
	Running     int       `json:"running"`
	Percent     int       `json:"percent"` // 0-100
	Phase       string    `json:"phase"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Tracker maintains progress entries keyed by job key.
type Tracker struct {
	mu       sync.RWMutex
	progress map[string]*Progress
	ttl      time.Duration // how long to keep entries without heartbeat
	maxSize  int           // hard cap on tracked entries (0 = unlimited)
	stop     chan struct{}
	once     sync.Once
}

// New creates a tracker whose entries expire ttl after their last update.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	t := &Tracker{
		progress: make(map[string]*Progress),
		ttl:      ttl,
		maxSize:  10000,
		stop:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Start registers a job of total calls.
func (t *Tracker) Start(jobKey string, total int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.progress[jobKey]; !ok && t.maxSize > 0 && len(t.progress) >= t.maxSize {
		return
	}
	t.progress[jobKey] = &Progress{
		JobKey:      jobKey,
		Total:       total,
		Phase:       PhaseRunning,
		StartedAt:   now,
		UpdatedAt:   now,
		HeartbeatAt: now,
	}
}

// Update records the done and running counts of a job.
func (t *Tracker) Update(jobKey string, done, running int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.progress[jobKey]
	if !ok {
		return
	}
	p.Done = done
	p.Running = running
	p.Percent = percent(done, p.Total)
	p.UpdatedAt = now
	p.HeartbeatAt = now
}

// Finish moves a job to a final phase.
func (t *Tracker) Finish(jobKey, phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.progress[jobKey]; ok {
		p.Phase = phase
		p.Running = 0
		p.UpdatedAt = time.Now()
		p.HeartbeatAt = p.UpdatedAt
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Heartbeat updates the heartbeat timestamp without changing progress.
func (t *Tracker) Heartbeat(jobKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.progress[jobKey]; ok {
		p.HeartbeatAt = time.Now()
	}
}

// Get returns the progress for a job, or nil if not tracked.
func (t *Tracker) Get(jobKey string) *Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.progress[jobKey]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Remove deletes the progress entry for a job.
func (t *Tracker) Remove(jobKey string) {
	t.mu.Lock()
	delete(t.progress, jobKey)
	t.mu.Unlock()
}

// IsStale returns true if the job's heartbeat is older than the given timeout.
func (t *Tracker) IsStale(jobKey string, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.progress[jobKey]
	if !ok {
		return true
	}
	return time.Since(p.HeartbeatAt) > timeout
}

// List returns all tracked entries ordered by job key.
func (t *Tracker) List() []*Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Progress, 0, len(t.progress))
	for _, p := range t.progress {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobKey < out[j].JobKey })
	return out
}

// Close stops the cleanup goroutine.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.stop) })
}

// cleanupLoop periodically removes stale progress entries.
func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		now := time.Now()
		for key, p := range t.progress {
			if now.Sub(p.HeartbeatAt) > t.ttl {
				delete(t.progress, key)
			}
		}
		t.mu.Unlock()
	}
}
