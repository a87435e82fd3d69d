package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/logging"
	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "meteor:jobs:"

// RedisBroker is a distributed broker that uses PUBLISH/SUBSCRIBE to
// broadcast status events from workers in other processes. Every subscriber
// on every node receives every message.
type RedisBroker struct {
	client  *redis.Client
	ownsCli bool
	mu      sync.Mutex
	subs    map[*subscriber]context.CancelFunc
	closed  bool
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		subs:   make(map[*subscriber]context.CancelFunc),
	}
}

// NewRedisBrokerFromAddr connects to Redis and verifies the connection.
func NewRedisBrokerFromAddr(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	b := NewRedisBroker(client)
	b.ownsCli = true
	return b, nil
}

// Publish sends st as JSON on the Redis channel of topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, st *domain.CallStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannelPrefix+topic, data).Err()
}

// Subscribe waits for the subscription to be confirmed, so no message
// published after it returns is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *domain.CallStatus, error) {
	sub := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.subs[sub] = cancel
	b.mu.Unlock()

	pubsub := b.client.Subscribe(subCtx, redisChannelPrefix+topic)
	if _, err := pubsub.Receive(subCtx); err != nil {
		pubsub.Close()
		b.remove(sub)
		sub.close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		defer func() {
			pubsub.Close()
			b.remove(sub)
			sub.close()
		}()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var st domain.CallStatus
				if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
					logging.Op().Warn("dropping malformed status event", "topic", topic, "error", err)
					continue
				}
				sub.deliver(subCtx, &st)
			}
		}
	}()

	return sub.ch, nil
}

func (b *RedisBroker) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[target]; ok {
		cancel()
		delete(b.subs, target)
	}
}

// Close cancels every subscription. The client is closed only when the
// broker created it.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscriber]context.CancelFunc)
	b.mu.Unlock()

	for s, cancel := range subs {
		cancel()
		s.close()
	}
	if b.ownsCli {
		return b.client.Close()
	}
	return nil
}
