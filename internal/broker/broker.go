// Package broker fans call status events out to every subscriber of a job
// topic. Workers publish their __init__ and __end__ records; the broker job
// monitor on the host (and the driver monitor in remote invoker mode) consume
// them.
//
// Implementations:
//   - ChannelBroker: in-process channels, for the local backend and tests
//   - RedisBroker: Redis PUBLISH/SUBSCRIBE, for workers in other processes
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
)

// Broker publishes and subscribes to per-job status topics.
type Broker interface {
	// Publish delivers st to every current subscriber of topic.
	Publish(ctx context.Context, topic string, st *domain.CallStatus) error

	// Subscribe returns a channel receiving every status published on topic
	// after Subscribe returns. The channel is closed when ctx is cancelled or
	// Close is called.
	Subscribe(ctx context.Context, topic string) (<-chan *domain.CallStatus, error)

	// Close releases all resources held by the broker.
	Close() error
}

// Topic returns the topic of a job.
func Topic(executorID, jobID string) string {
	return executorID + "-" + jobID
}

// New builds the broker selected by cfg.Type. It returns nil for "none".
func New(cfg config.BrokerConfig) (Broker, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "channel":
		return NewChannelBroker(), nil
	case "redis":
		return NewRedisBrokerFromAddr(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
}

const subscriberBuffer = 256

// subscriber owns one output channel. Sends and the final close are
// serialized by mu so a publisher never sends on a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan *domain.CallStatus
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan *domain.CallStatus, subscriberBuffer),
		done: make(chan struct{}),
	}
}

// deliver blocks until the subscriber accepts st, goes away, or ctx ends.
func (s *subscriber) deliver(ctx context.Context, st *domain.CallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- st:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
