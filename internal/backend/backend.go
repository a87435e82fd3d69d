// Package backend defines the contract between the invoker and the compute
// services that run worker activations, plus a compile-time registry of
// backend constructors.
//
// Implementations live in subpackages:
//   - local: in-process goroutines running the worker runtime
//   - httpbackend: a worker agent reached over HTTP
//   - grpcbackend: a worker agent reached over gRPC
package backend

import (
	"context"

	"github.com/oriys/meteor/internal/domain"
)

// ComputeBackend starts activations of the worker runtime. Implementations
// must be safe for concurrent use.
type ComputeBackend interface {
	// Name identifies the backend instance in logs and metrics.
	Name() string

	// Invoke hands payload to a new activation. An empty activation id with
	// a nil error means the service refused admission for now (throttled);
	// the caller retries later. A non-nil error is a transport failure.
	Invoke(ctx context.Context, runtimeName string, memoryMB int, payload []byte) (activationID string, err error)

	// RuntimeKey identifies the deployed runtime for caching.
	RuntimeKey(runtimeName string, memoryMB int) string
}

// RuntimeInspector is implemented by backends that can describe the runtime
// they run. Backends without it are assumed to speak the current protocol.
type RuntimeInspector interface {
	RuntimeMeta(ctx context.Context, runtimeName string, memoryMB int) (*domain.RuntimeMeta, error)
}

// Info describes a registered backend type.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
