// Package future tracks the client side of dispatched calls. A
// ResponseFuture moves monotonically through
//
//	Invoked -> Running -> Success | Error -> Done
//
// as status records appear in the store; Wait and GetResult block on many
// futures at once.
package future

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/storage"
)

const defaultPollInterval = time.Second

// CallError is returned for a call whose execution failed when the caller
// asked for failures to be raised.
type CallError struct {
	JobKey string
	CallID string
	Remote *domain.RemoteError
	Cause  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s/%s failed: %v", e.JobKey, e.CallID, e.Remote)
}

func (e *CallError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Remote
}

// ResponseFuture is the handle for one call. It is safe for concurrent use.
type ResponseFuture struct {
	executorID string
	jobID      string
	callID     string
	store      storage.StatusStore
	poll       time.Duration

	mu           sync.Mutex
	state        domain.CallState
	status       *domain.CallStatus
	output       []byte
	activationID string
	err          error
}

// New creates a future in state Invoked for one call of job.
func New(job *domain.Job, callID string, store storage.StatusStore) *ResponseFuture {
	return &ResponseFuture{
		executorID: job.ExecutorID,
		jobID:      job.JobID,
		callID:     callID,
		store:      store,
		poll:       defaultPollInterval,
		state:      domain.StateInvoked,
	}
}

// SetPollInterval sets how often Status polls the store.
func (f *ResponseFuture) SetPollInterval(d time.Duration) {
	if d > 0 {
		f.poll = d
	}
}

func (f *ResponseFuture) ExecutorID() string { return f.executorID }
func (f *ResponseFuture) JobID() string      { return f.jobID }
func (f *ResponseFuture) CallID() string     { return f.callID }

// JobKey returns "<executorID>-<jobID>".
func (f *ResponseFuture) JobKey() string { return f.executorID + "-" + f.jobID }

// State returns the current state.
func (f *ResponseFuture) State() domain.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Ready reports whether the call finished (Success, Error or Done).
func (f *ResponseFuture) Ready() bool {
	return f.State().Terminal()
}

// Done reports whether the result has been retrieved.
func (f *ResponseFuture) Done() bool {
	return f.State() == domain.StateDone
}

// ActivationID returns the backend activation that ran the call, if known.
func (f *ResponseFuture) ActivationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activationID
}

// Err returns the invocation error attached by the invoker, if any.
func (f *ResponseFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// StatusRecord returns the last status record seen, or nil.
func (f *ResponseFuture) StatusRecord() *domain.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return nil
	}
	cp := *f.status
	return &cp
}

// SetActivationID records the activation id returned by the backend.
func (f *ResponseFuture) SetActivationID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activationID == "" {
		f.activationID = id
	}
}

// Fail moves the future to Error with an invocation failure. It has no
// effect on a future that already finished.
func (f *ResponseFuture) Fail(err error) {
	st := &domain.CallStatus{
		Type:       domain.StatusEnd,
		ExecutorID: f.executorID,
		JobID:      f.jobID,
		CallID:     f.callID,
		EndTime:    time.Now().UTC(),
		Exception:  &domain.RemoteError{Type: domain.ErrTypeInvocation, Message: err.Error()},
		Synthetic:  true,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Terminal() {
		return
	}
	f.err = err
	f.status = st
	f.state = domain.StateError
}

// advance moves to next if it ranks above the current state.
func (f *ResponseFuture) advance(next domain.CallState) bool {
	if next.Rank() <= f.state.Rank() {
		return false
	}
	f.state = next
	return true
}

// markRunning is applied when a job status lists the call as running.
func (f *ResponseFuture) markRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advance(domain.StateRunning)
}

// applyStatus folds a status record into the future.
func (f *ResponseFuture) applyStatus(st *domain.CallStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advance(st.State()) || f.status == nil {
		f.status = st
	}
	if f.activationID == "" {
		f.activationID = st.ActivationID
	}
}

// refresh fetches the call status once. A missing record is not an error.
func (f *ResponseFuture) refresh(ctx context.Context) error {
	if f.Ready() {
		return nil
	}
	st, err := f.store.GetCallStatus(ctx, f.executorID, f.jobID, f.callID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	f.applyStatus(st)
	return nil
}

func (f *ResponseFuture) callError(st *domain.CallStatus) *CallError {
	remote := st.Exception
	if remote == nil {
		remote = &domain.RemoteError{Type: "UnknownError", Message: "call reported failure without exception"}
	}
	return &CallError{JobKey: f.JobKey(), CallID: f.callID, Remote: remote, Cause: f.Err()}
}

// Status blocks until the call finished and returns its status record. With
// throwExcept, a failed call also returns a *CallError.
func (f *ResponseFuture) Status(ctx context.Context, throwExcept bool) (*domain.CallStatus, error) {
	for !f.Ready() {
		if err := f.refresh(ctx); err != nil {
			return nil, fmt.Errorf("status of %s/%s: %w", f.JobKey(), f.callID, err)
		}
		if f.Ready() {
			break
		}
		t := time.NewTimer(f.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	st := f.StatusRecord()
	if throwExcept && st.State() == domain.StateError {
		return st, f.callError(st)
	}
	return st, nil
}

// Result blocks until the call finished and returns its output, moving the
// future to Done. For a failed call it returns a *CallError when throwExcept
// is set, and otherwise the JSON-encoded remote exception as data.
func (f *ResponseFuture) Result(ctx context.Context, throwExcept bool) ([]byte, error) {
	st, err := f.Status(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := f.load(ctx, st); err != nil {
		return nil, err
	}
	if throwExcept && st.State() == domain.StateError {
		return nil, f.callError(st)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output, nil
}

// load retrieves the output of a finished call and moves the future to Done.
func (f *ResponseFuture) load(ctx context.Context, st *domain.CallStatus) error {
	f.mu.Lock()
	if f.state == domain.StateDone {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	var data []byte
	if st.State() == domain.StateError {
		exc := st.Exception
		if exc == nil {
			exc = &domain.RemoteError{Type: "UnknownError"}
		}
		var err error
		data, err = json.Marshal(exc)
		if err != nil {
			return err
		}
	} else {
		var err error
		data, err = f.store.GetCallOutput(ctx, f.executorID, f.jobID, f.callID)
		if err != nil {
			return fmt.Errorf("output of %s/%s: %w", f.JobKey(), f.callID, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advance(domain.StateDone) {
		f.output = data
	}
	return nil
}

// download loads the output of a call that is already known to be finished.
func (f *ResponseFuture) download(ctx context.Context) error {
	if !f.Ready() || f.Done() {
		return nil
	}
	return f.load(ctx, f.StatusRecord())
}
