package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/observability"
	"github.com/oriys/meteor/internal/storage"
)

// DriverFunc runs a whole job on the worker side (remote invoker mode).
type DriverFunc func(ctx context.Context, p *domain.InvocationPayload) error

// Deps are the collaborators a worker needs to run calls.
type Deps struct {
	Store    storage.StatusStore
	Broker   broker.Broker // optional
	Handlers *Registry
	Driver   DriverFunc // required only for driver payloads
}

// Execute dispatches a decoded payload by kind.
func Execute(ctx context.Context, p *domain.InvocationPayload, activationID string, deps Deps) error {
	switch p.Kind {
	case domain.PayloadDriver:
		if deps.Driver == nil {
			return fmt.Errorf("driver payload for %s-%s but no driver configured", p.ExecutorID, p.JobID)
		}
		return deps.Driver(ctx, p)
	default:
		return Run(ctx, p, activationID, deps)
	}
}

// Run executes the calls of one chunk sequentially. Each call reports an
// __init__ record before its handler runs and an __end__ record afterwards,
// even when the handler fails or panics. Storage failures are collected and
// returned after every call has been attempted.
func Run(ctx context.Context, p *domain.InvocationPayload, activationID string, deps Deps) error {
	if deps.Store == nil || deps.Handlers == nil {
		return fmt.Errorf("worker requires a store and a handler registry")
	}
	ctx = observability.InjectTraceContext(ctx, observability.TraceContext{
		TraceParent: p.TraceParent,
		TraceState:  p.TraceState,
	})
	ctx, span := observability.StartServerSpan(ctx, "meteor.worker.run",
		observability.AttrJobKey.String(p.ExecutorID+"-"+p.JobID),
		observability.AttrWorkerID.String(p.WorkerID),
		observability.AttrActivationID.String(activationID),
		observability.AttrCallCount.Int(len(p.CallIDs)),
	)
	defer span.End()

	handler, lookupErr := deps.Handlers.Lookup(p.FuncKey)

	var errs []error
	for i, callID := range p.CallIDs {
		var rng *domain.ByteRange
		if i < len(p.DataRanges) {
			rng = &p.DataRanges[i]
		}
		if err := runCall(ctx, p, activationID, callID, rng, handler, lookupErr, deps); err != nil {
			logging.Op().Error("call reporting failed",
				"job", p.ExecutorID+"-"+p.JobID,
				"call", callID,
				"error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

func runCall(ctx context.Context, p *domain.InvocationPayload, activationID, callID string,
	rng *domain.ByteRange, handler Handler, lookupErr error, deps Deps) error {

	st := &domain.CallStatus{
		Type:           domain.StatusInit,
		ExecutorID:     p.ExecutorID,
		JobID:          p.JobID,
		CallID:         callID,
		WorkerID:       p.WorkerID,
		ActivationID:   activationID,
		HostSubmitTime: p.HostSubmitTime,
		StartTime:      time.Now().UTC(),
	}
	if err := report(ctx, st, deps); err != nil {
		return fmt.Errorf("report start of %s: %w", callID, err)
	}

	output, callErr := invokeHandler(ctx, p, rng, handler, lookupErr, deps)

	end := *st
	end.Type = domain.StatusEnd
	end.EndTime = time.Now().UTC()
	if callErr != nil {
		end.Exception = remoteError(callErr)
	} else {
		if err := deps.Store.PutCallOutput(ctx, p.ExecutorID, p.JobID, callID, output); err != nil {
			end.Exception = &domain.RemoteError{Type: "StorageError", Message: err.Error()}
		} else {
			end.Success = true
			end.OutputSize = len(output)
		}
	}
	if err := report(ctx, &end, deps); err != nil {
		return fmt.Errorf("report end of %s: %w", callID, err)
	}
	return nil
}

func invokeHandler(ctx context.Context, p *domain.InvocationPayload, rng *domain.ByteRange,
	handler Handler, lookupErr error, deps Deps) (out []byte, err error) {

	if lookupErr != nil {
		return nil, &HandlerError{Type: "LookupError", Message: lookupErr.Error()}
	}

	var arg []byte
	if p.DataKey != "" && rng != nil {
		arg, err = deps.Store.GetBlobRange(ctx, p.DataKey, *rng)
		if err != nil {
			return nil, &HandlerError{Type: "StorageError", Message: fmt.Sprintf("read argument: %v", err)}
		}
	}

	callCtx := ctx
	if p.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.ExecutionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &HandlerError{Type: "PanicError", Message: fmt.Sprint(r)}
		}
	}()
	return handler(callCtx, arg)
}

func remoteError(err error) *domain.RemoteError {
	var typed TypedError
	if errors.As(err, &typed) {
		var he *HandlerError
		if errors.As(err, &he) {
			return &domain.RemoteError{Type: he.Type, Message: he.Message}
		}
		return &domain.RemoteError{Type: typed.ErrorType(), Message: typed.Error()}
	}
	return &domain.RemoteError{Type: "HandlerError", Message: err.Error()}
}

// report writes st to the store, then publishes it on the job topic.
func report(ctx context.Context, st *domain.CallStatus, deps Deps) error {
	if err := deps.Store.PutCallStatus(ctx, st); err != nil {
		return err
	}
	if deps.Broker != nil {
		if err := deps.Broker.Publish(ctx, broker.Topic(st.ExecutorID, st.JobID), st); err != nil {
			return fmt.Errorf("publish status: %w", err)
		}
	}
	return nil
}
