package invoker

import (
	"context"
	"sync"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/metrics"
)

// pendingChunk is a chunk waiting for a token.
type pendingChunk struct {
	js    *jobState
	chunk domain.Chunk
}

// pendingQueue is an unbounded FIFO of chunks.
type pendingQueue struct {
	mu     sync.Mutex
	items  []pendingChunk
	notify chan struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{notify: make(chan struct{}, 1)}
}

func (q *pendingQueue) push(items ...pendingChunk) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetPending(n)
	q.signal()
}

// pushFront puts an item back at the head of the queue.
func (q *pendingQueue) pushFront(item pendingChunk) {
	q.mu.Lock()
	q.items = append([]pendingChunk{item}, q.items...)
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetPending(n)
	q.signal()
}

func (q *pendingQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx is done.
func (q *pendingQueue) pop(ctx context.Context) (pendingChunk, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = pendingChunk{}
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			metrics.SetPending(n)
			if n > 0 {
				q.signal()
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return pendingChunk{}, false
		}
	}
}

// drain empties the queue and returns what it held.
func (q *pendingQueue) drain() []pendingChunk {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	metrics.SetPending(0)
	return items
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
