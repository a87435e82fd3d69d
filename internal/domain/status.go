package domain

import (
	"fmt"
	"time"
)

// CallState is the client-side lifecycle of one call. States are ordered;
// Success and Error share a rank.
type CallState int

const (
	StateInvoked CallState = iota
	StateRunning
	StateSuccess
	StateError
	StateDone
)

func (s CallState) String() string {
	switch s {
	case StateInvoked:
		return "invoked"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Rank orders states for monotonic transitions.
func (s CallState) Rank() int {
	switch s {
	case StateInvoked:
		return 0
	case StateRunning:
		return 1
	case StateSuccess, StateError:
		return 2
	case StateDone:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the state is Success, Error or Done.
func (s CallState) Terminal() bool {
	return s.Rank() >= 2
}

// StatusType discriminates status records.
type StatusType string

const (
	StatusInit StatusType = "__init__"
	StatusEnd  StatusType = "__end__"
)

// Remote exception types fabricated by the host side.
const (
	ErrTypeTimeout    = "TimeoutError"
	ErrTypeInvocation = "InvocationError"
)

// RemoteError is a serialized exception raised by (or on behalf of) a call.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// CallStatus is the record a worker publishes when a call starts (__init__)
// and when it ends (__end__).
type CallStatus struct {
	Type           StatusType   `json:"type"`
	ExecutorID     string       `json:"executor_id"`
	JobID          string       `json:"job_id"`
	CallID         string       `json:"call_id"`
	WorkerID       string       `json:"worker_id,omitempty"`
	ActivationID   string       `json:"activation_id,omitempty"`
	HostSubmitTime time.Time    `json:"host_submit_time,omitempty"`
	StartTime      time.Time    `json:"start_time,omitempty"`
	EndTime        time.Time    `json:"end_time,omitempty"`
	Success        bool         `json:"success"`
	Exception      *RemoteError `json:"exception,omitempty"`
	OutputSize     int          `json:"output_size,omitempty"`
	Synthetic      bool         `json:"synthetic,omitempty"`
}

// JobKey returns the key of the job the status belongs to.
func (s *CallStatus) JobKey() string {
	return s.ExecutorID + "-" + s.JobID
}

// State maps a status record to the future state it implies.
func (s *CallStatus) State() CallState {
	if s.Type != StatusEnd {
		return StateRunning
	}
	if s.Success && s.Exception == nil {
		return StateSuccess
	}
	return StateError
}

// RunningCall is a call observed running on a worker slot.
type RunningCall struct {
	CallID    string    `json:"call_id"`
	WorkerID  string    `json:"worker_id"`
	StartTime time.Time `json:"start_time"`
}

// JobStatus aggregates the running and done call sets of one job.
type JobStatus struct {
	Running []RunningCall `json:"running"`
	Done    []string      `json:"done"`
}

// InvocationError is attached to calls of a job whose dispatch failed with a
// non-throttling transport error.
type InvocationError struct {
	JobKey string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation of job %s failed: %v", e.JobKey, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
