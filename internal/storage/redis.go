package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/meteor/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the init and end records of a job in two hashes keyed by
// call id, so a job status is two HGETALLs.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, prefix string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreFromClient(client, prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client. A zero ttl keeps records
// until they are deleted.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "meteor.jobs"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Client returns the underlying Redis client for direct access
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) hashKey(executorID, jobID, kind string) string {
	return s.prefix + ":" + executorID + ":" + jobID + ":" + kind
}

func (s *RedisStore) outputKey(executorID, jobID, callID string) string {
	return s.prefix + ":" + executorID + ":" + jobID + ":" + callID + ":" + kindOutput
}

func (s *RedisStore) blobKey(key string) string {
	return s.prefix + ":blob:" + key
}

func (s *RedisStore) PutCallStatus(ctx context.Context, st *domain.CallStatus) error {
	if err := validateStatus(st); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := s.hashKey(st.ExecutorID, st.JobID, kindOf(st.Type))
	pipe := s.client.Pipeline()
	if st.Type == domain.StatusEnd {
		pipe.HSetNX(ctx, key, st.CallID, data)
	} else {
		pipe.HSet(ctx, key, st.CallID, data)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*domain.CallStatus, error) {
	pipe := s.client.Pipeline()
	endCmd := pipe.HGet(ctx, s.hashKey(executorID, jobID, kindStatus), callID)
	initCmd := pipe.HGet(ctx, s.hashKey(executorID, jobID, kindInit), callID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, cmd := range []*redis.StringCmd{endCmd, initCmd} {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var st domain.CallStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode status %s/%s/%s: %w", executorID, jobID, callID, err)
		}
		return &st, nil
	}
	return nil, ErrNotFound
}

func (s *RedisStore) GetJobStatus(ctx context.Context, executorID, jobID string) (*domain.JobStatus, error) {
	pipe := s.client.Pipeline()
	initCmd := pipe.HGetAll(ctx, s.hashKey(executorID, jobID, kindInit))
	endCmd := pipe.HKeys(ctx, s.hashKey(executorID, jobID, kindStatus))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	ends := make(map[string]bool)
	for _, id := range endCmd.Val() {
		ends[id] = true
	}
	inits := make(map[string]*domain.CallStatus)
	for id, raw := range initCmd.Val() {
		if ends[id] {
			continue
		}
		var st domain.CallStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		inits[id] = &st
	}
	return buildJobStatus(inits, ends), nil
}

func (s *RedisStore) PutCallOutput(ctx context.Context, executorID, jobID, callID string, data []byte) error {
	return s.client.Set(ctx, s.outputKey(executorID, jobID, callID), data, s.ttl).Err()
}

func (s *RedisStore) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.outputKey(executorID, jobID, callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.blobKey(key), data, s.ttl).Err()
}

// GetBlobRange reads the range with GETRANGE, whose end offset is inclusive.
func (s *RedisStore) GetBlobRange(ctx context.Context, key string, r domain.ByteRange) ([]byte, error) {
	bk := s.blobKey(key)
	pipe := s.client.Pipeline()
	existsCmd := pipe.Exists(ctx, bk)
	lenCmd := pipe.StrLen(ctx, bk)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if existsCmd.Val() == 0 {
		return nil, ErrNotFound
	}
	if r.Start < 0 || r.End < r.Start || r.End > lenCmd.Val() {
		return nil, fmt.Errorf("byte range [%d,%d) out of bounds for blob of %d bytes", r.Start, r.End, lenCmd.Val())
	}
	if r.Len() == 0 {
		return []byte{}, nil
	}
	return s.client.GetRange(ctx, bk, r.Start, r.End-1).Bytes()
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
