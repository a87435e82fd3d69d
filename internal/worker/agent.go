package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/logging"
)

// Agent accepts invocation payloads and runs them asynchronously, admitting
// at most Concurrency activations at a time. It is the execution side shared
// by the in-process backend and the HTTP and gRPC worker agents.
type Agent struct {
	deps   Deps
	limit  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepted  atomic.Int64
	throttled atomic.Int64
}

// NewAgent creates an agent. A concurrency <= 0 admits every payload.
func NewAgent(deps Deps, concurrency int) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{deps: deps, ctx: ctx, cancel: cancel}
	if concurrency > 0 {
		a.limit = semaphore.NewWeighted(int64(concurrency))
	}
	return a
}

// Submit decodes payload and starts it. It returns an empty activation id
// with a nil error when the agent is saturated, and an error when the
// payload is malformed.
func (a *Agent) Submit(payload []byte) (string, error) {
	p, err := domain.DecodePayload(payload)
	if err != nil {
		return "", err
	}
	if a.ctx.Err() != nil {
		a.throttled.Add(1)
		return "", nil
	}
	if a.limit != nil && !a.limit.TryAcquire(1) {
		a.throttled.Add(1)
		return "", nil
	}
	a.accepted.Add(1)

	activationID := uuid.New().String()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if a.limit != nil {
			defer a.limit.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in activation", "activation", activationID, "panic", r)
			}
		}()
		if err := Execute(a.ctx, p, activationID, a.deps); err != nil {
			logging.Op().Error("activation failed",
				"activation", activationID,
				"job", p.ExecutorID+"-"+p.JobID,
				"kind", p.Kind,
				"error", err)
		}
	}()
	return activationID, nil
}

// Meta describes the runtime served by this agent.
func (a *Agent) Meta(runtimeName string, memoryMB int) *domain.RuntimeMeta {
	return &domain.RuntimeMeta{
		ProtocolVersion: domain.ProtocolVersion,
		RuntimeName:     runtimeName,
		RuntimeMemory:   memoryMB,
		Handlers:        a.deps.Handlers.Keys(),
	}
}

// Stats returns the number of accepted and throttled submissions.
func (a *Agent) Stats() (accepted, throttled int64) {
	return a.accepted.Load(), a.throttled.Load()
}

// Wait blocks until every started activation has returned.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Close cancels running activations and waits for them.
func (a *Agent) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}
