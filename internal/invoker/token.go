package invoker

import (
	"context"

	"github.com/oriys/meteor/internal/logging"
	"github.com/oriys/meteor/internal/metrics"
)

// TokenBucket admits at most capacity in-flight worker slots. A token is
// taken before a chunk is dispatched and handed back by the monitor once
// the slot finished, or by the invoker when the dispatch did not start.
type TokenBucket struct {
	tokens   chan struct{}
	capacity int
}

// NewTokenBucket returns a full bucket of n tokens.
func NewTokenBucket(n int) *TokenBucket {
	if n <= 0 {
		n = 1
	}
	b := &TokenBucket{tokens: make(chan struct{}, n), capacity: n}
	for i := 0; i < n; i++ {
		b.tokens <- struct{}{}
	}
	return b
}

// Get blocks until a token is available or ctx is done.
func (b *TokenBucket) Get(ctx context.Context) error {
	select {
	case <-b.tokens:
		b.report()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryGet takes a token if one is free.
func (b *TokenBucket) TryGet() bool {
	select {
	case <-b.tokens:
		b.report()
		return true
	default:
		return false
	}
}

// Put returns a token. Surplus tokens are discarded and counted as
// overflows.
func (b *TokenBucket) Put() {
	select {
	case b.tokens <- struct{}{}:
		b.report()
	default:
		metrics.RecordTokenOverflow()
		logging.Op().Warn("token returned to a full bucket", "capacity", b.capacity)
	}
}

// Available returns the number of free tokens.
func (b *TokenBucket) Available() int { return len(b.tokens) }

// Inflight returns the number of tokens taken.
func (b *TokenBucket) Inflight() int { return b.capacity - len(b.tokens) }

// Capacity returns the configured worker count.
func (b *TokenBucket) Capacity() int { return b.capacity }

func (b *TokenBucket) report() {
	metrics.SetTokens(b.Available(), b.Inflight())
}
