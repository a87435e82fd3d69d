// Package worker is the runtime that executes calls inside a compute
// backend. It reads each call's argument from the job's data blob, runs the
// handler registered under the job's function key and reports __init__ and
// __end__ status records to the shared store and, when configured, the broker.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one call. arg is the call's raw argument record.
type Handler func(ctx context.Context, arg []byte) ([]byte, error)

// TypedError lets a handler choose the exception type reported to the
// caller. Other errors are reported as HandlerError.
type TypedError interface {
	error
	ErrorType() string
}

// Registry maps function keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// NewBuiltinRegistry returns a registry preloaded with the builtin handlers.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register adds or replaces the handler for key.
func (r *Registry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Lookup returns the handler for key.
func (r *Registry) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", key)
	}
	return h, nil
}

// Keys returns the registered function keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
