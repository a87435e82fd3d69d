package main

import (
	"context"
	"fmt"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/backend/grpcbackend"
	"github.com/oriys/meteor/internal/backend/httpbackend"
	"github.com/oriys/meteor/internal/backend/local"
	"github.com/oriys/meteor/internal/broker"
	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/invoker"
	"github.com/oriys/meteor/internal/jobtracker"
	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/monitor"
	"github.com/oriys/meteor/internal/storage"
	"github.com/oriys/meteor/internal/worker"
)

// stack is everything a command needs to run or serve jobs.
type stack struct {
	cfg      *config.Config
	store    storage.StatusStore
	broker   broker.Broker
	handlers *worker.Registry
	registry *backend.Registry
	tracker  *jobtracker.Tracker
	runners  []*local.Backend
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
	}
	brk, err := broker.New(cfg.Broker)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open %s broker: %w", cfg.Broker.Type, err)
	}

	return &stack{
		cfg:      cfg,
		store:    store,
		broker:   brk,
		handlers: worker.NewBuiltinRegistry(),
		registry: backend.NewRegistry(),
		tracker:  jobtracker.New(0),
	}, nil
}

// workerDeps are the dependencies of activations run in this process.
func (s *stack) workerDeps() worker.Deps {
	return worker.Deps{Store: s.store, Broker: s.broker, Handlers: s.handlers}
}

// registerBackends makes every backend type available. Local activations
// run with deps.
func (s *stack) registerBackends(deps worker.Deps) {
	s.registry.Register("local", "in-process goroutines running the worker runtime", local.Factory(deps))
	s.registry.Register("http", "worker agent reached over HTTP", httpbackend.Factory())
	s.registry.Register("grpc", "worker agent reached over gRPC", grpcbackend.Factory())
}

// localRunners returns an in-process backend for calls dispatched by a
// driver running in this process.
func (s *stack) localRunners() []backend.ComputeBackend {
	b := local.New("local-runner", s.workerDeps(), s.cfg.Backend.Concurrency)
	s.runners = append(s.runners, b)
	return []backend.ComputeBackend{b}
}

func (s *stack) newInvoker(backends []backend.ComputeBackend, remote bool) (*invoker.Invoker, error) {
	ec := s.cfg.Executor
	return invoker.New(invoker.Config{
		Backends: backends,
		Registry: s.registry,
		Store:    s.store,
		Broker:   s.broker,
		Tracker:  s.tracker,
		Monitor: monitor.Config{
			Type:    s.cfg.Monitor.Type,
			WaitDur: s.cfg.Monitor.WaitDur,
			Grace:     s.cfg.Monitor.Grace,
			Retention: s.cfg.Monitor.Retention,
		},
		Workers:          ec.Workers,
		InvokerWorkers:   ec.InvokerWorkers,
		DispatchPoolSize: ec.DispatchPoolSize,
		RemoteInvoker:    remote,
		ThrottleJitter:   ec.ThrottleJitter,
		PollInterval:     s.cfg.Wait.WaitDur,
	})
}

func (s *stack) Close() {
	for _, r := range s.runners {
		_ = r.Close()
	}
	if err := s.registry.Close(); err != nil {
		logging.Op().Warn("closing backends failed", "error", err)
	}
	if s.broker != nil {
		_ = s.broker.Close()
	}
	_ = s.store.Close()
	s.tracker.Close()
}
