package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisClient creates a Redis client for testing.
// Tests that require a running Redis instance are skipped automatically.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use a separate DB for tests
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBroker_PublishAndSubscribe(t *testing.T) {
	client := newTestRedisClient(t)
	b := NewRedisBroker(client)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := fmt.Sprintf("test-%d-M000", time.Now().UnixNano())
	ch, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, topic, status("00003")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case st := <-ch:
		if st.CallID != "00003" || !st.Success {
			t.Fatalf("unexpected event: %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event on subscribe channel")
	}
}

func TestRedisBroker_CloseClosesSubscribers(t *testing.T) {
	client := newTestRedisClient(t)
	b := NewRedisBroker(client)

	ch, err := b.Subscribe(context.Background(), "close-test")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
}
