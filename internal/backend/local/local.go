// Package local runs activations as goroutines in the invoking process.
package local

import (
	"context"
	"fmt"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/worker"
)

// Backend is an in-process ComputeBackend. Concurrency bounds the number
// of simultaneous activations; beyond it Invoke reports throttling.
type Backend struct {
	name  string
	agent *worker.Agent
}

// New creates a local backend running payloads with deps.
func New(name string, deps worker.Deps, concurrency int) *Backend {
	if name == "" {
		name = "local"
	}
	return &Backend{name: name, agent: worker.NewAgent(deps, concurrency)}
}

// Factory returns a registry constructor bound to deps.
func Factory(deps worker.Deps) backend.Factory {
	return func(region string, cfg config.BackendConfig) (backend.ComputeBackend, error) {
		name := "local"
		if region != "" {
			name = "local@" + region
		}
		return New(name, deps, cfg.Concurrency), nil
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Invoke(ctx context.Context, _ string, _ int, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.agent.Submit(payload)
}

func (b *Backend) RuntimeKey(runtimeName string, memoryMB int) string {
	return fmt.Sprintf("%s/%dMB", runtimeName, memoryMB)
}

func (b *Backend) RuntimeMeta(_ context.Context, runtimeName string, memoryMB int) (*domain.RuntimeMeta, error) {
	return b.agent.Meta(runtimeName, memoryMB), nil
}

// Wait blocks until every started activation has finished.
func (b *Backend) Wait() { b.agent.Wait() }

func (b *Backend) Close() error { return b.agent.Close() }
