package broker

import (
	"context"
	"sync"

	"github.com/oriys/meteor/internal/domain"
)

// ChannelBroker is an in-process, channel-based broker suitable for
// single-instance deployments.
type ChannelBroker struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	closed      bool
}

func NewChannelBroker() *ChannelBroker {
	return &ChannelBroker{
		subscribers: make(map[string][]*subscriber),
	}
}

func (b *ChannelBroker) Publish(ctx context.Context, topic string, st *domain.CallStatus) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		cp := *st
		s.deliver(ctx, &cp)
	}
	return ctx.Err()
}

func (b *ChannelBroker) Subscribe(ctx context.Context, topic string) (<-chan *domain.CallStatus, error) {
	sub := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, nil
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		b.remove(topic, sub)
		sub.close()
	}()

	return sub.ch, nil
}

func (b *ChannelBroker) remove(topic string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s == target {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[topic]) == 0 {
		delete(b.subscribers, topic)
	}
}

func (b *ChannelBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	return nil
}
