package executor

import (
	"time"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/jobtracker"
)

type Option func(*Executor)

// WithExecutorID overrides the generated executor id.
func WithExecutorID(id string) Option {
	return func(e *Executor) {
		if id != "" {
			e.id = id
		}
	}
}

// WithTracker sets the progress tracker read by Progress and Jobs. It should
// be the tracker handed to the invoker.
func WithTracker(t *jobtracker.Tracker) Option {
	return func(e *Executor) {
		e.tracker = t
	}
}

// WithJobDefaults sets the runtime, chunksize and timeout of new jobs.
func WithJobDefaults(cfg config.ExecutorConfig) Option {
	return func(e *Executor) {
		e.runtimeName = cfg.RuntimeName
		e.runtimeMemory = cfg.RuntimeMemory
		e.chunksize = cfg.Chunksize
		e.executionTimeout = cfg.ExecutionTimeout
	}
}

// WithWaitConfig sets the defaults used by Wait and GetResult.
func WithWaitConfig(cfg config.WaitConfig) Option {
	return func(e *Executor) {
		e.wait.WaitDur = cfg.WaitDur
		e.wait.MaxDirectQueryN = cfg.MaxDirectQueryN
		e.wait.ReturnEarlyN = cfg.ReturnEarlyN
		e.wait.PoolSize = cfg.PoolSize
	}
}

// MapOption adjusts one Map call.
type MapOption func(*mapSettings)

type mapSettings struct {
	chunksize int
	timeout   time.Duration
}

// WithChunksize groups n consecutive calls per worker slot.
func WithChunksize(n int) MapOption {
	return func(s *mapSettings) { s.chunksize = n }
}

// WithExecutionTimeout bounds each call of the job.
func WithExecutionTimeout(d time.Duration) MapOption {
	return func(s *mapSettings) { s.timeout = d }
}
