// Package metrics records dispatch, slot and watchdog activity, both as
// in-process counters (for CLI summaries) and as Prometheus collectors.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Counters is a process-wide tally of engine activity.
type Counters struct {
	Dispatches       atomic.Int64
	Throttles        atomic.Int64
	DispatchErrors   atomic.Int64
	SlotsReleased    atomic.Int64
	WatchdogTimeouts atomic.Int64
	Dropped          atomic.Int64
	TokenOverflows   atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Dispatches       int64 `json:"dispatches"`
	Throttles        int64 `json:"throttles"`
	DispatchErrors   int64 `json:"dispatch_errors"`
	SlotsReleased    int64 `json:"slots_released"`
	WatchdogTimeouts int64 `json:"watchdog_timeouts"`
	Dropped          int64 `json:"dropped"`
	TokenOverflows   int64 `json:"token_overflows"`
}

var global = &Counters{}

// Global returns the process-wide counters.
func Global() *Counters {
	return global
}

func (c *Counters) recordDispatch(result string) {
	switch result {
	case "ok":
		c.Dispatches.Add(1)
	case "throttled":
		c.Throttles.Add(1)
	default:
		c.DispatchErrors.Add(1)
	}
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Dispatches:       c.Dispatches.Load(),
		Throttles:        c.Throttles.Load(),
		DispatchErrors:   c.DispatchErrors.Load(),
		SlotsReleased:    c.SlotsReleased.Load(),
		WatchdogTimeouts: c.WatchdogTimeouts.Load(),
		Dropped:          c.Dropped.Load(),
		TokenOverflows:   c.TokenOverflows.Load(),
	}
}

// JSONHandler serves the counter snapshot as JSON.
func (c *Counters) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	})
}
