package storage

import (
	"context"
	"sync"

	"github.com/oriys/meteor/internal/domain"
)

type memCall struct {
	init   *domain.CallStatus
	end    *domain.CallStatus
	output []byte
}

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]map[string]*memCall
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]map[string]*memCall),
		blobs: make(map[string][]byte),
	}
}

func (s *MemoryStore) call(executorID, jobID, callID string, create bool) *memCall {
	key := executorID + "-" + jobID
	calls, ok := s.jobs[key]
	if !ok {
		if !create {
			return nil
		}
		calls = make(map[string]*memCall)
		s.jobs[key] = calls
	}
	c, ok := calls[callID]
	if !ok && create {
		c = &memCall{}
		calls[callID] = c
	}
	return c
}

func (s *MemoryStore) PutCallStatus(_ context.Context, st *domain.CallStatus) error {
	if err := validateStatus(st); err != nil {
		return err
	}
	cp := *st
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.call(st.ExecutorID, st.JobID, st.CallID, true)
	if st.Type == domain.StatusEnd {
		if c.end == nil {
			c.end = &cp
		}
	} else {
		c.init = &cp
	}
	return nil
}

func (s *MemoryStore) GetCallStatus(_ context.Context, executorID, jobID, callID string) (*domain.CallStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.call(executorID, jobID, callID, false)
	if c == nil {
		return nil, ErrNotFound
	}
	var st *domain.CallStatus
	switch {
	case c.end != nil:
		st = c.end
	case c.init != nil:
		st = c.init
	default:
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) GetJobStatus(_ context.Context, executorID, jobID string) (*domain.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inits := make(map[string]*domain.CallStatus)
	ends := make(map[string]bool)
	for id, c := range s.jobs[executorID+"-"+jobID] {
		if c.init != nil {
			inits[id] = c.init
		}
		if c.end != nil {
			ends[id] = true
		}
	}
	return buildJobStatus(inits, ends), nil
}

func (s *MemoryStore) PutCallOutput(_ context.Context, executorID, jobID, callID string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call(executorID, jobID, callID, true).output = cp
	return nil
}

func (s *MemoryStore) GetCallOutput(_ context.Context, executorID, jobID, callID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.call(executorID, jobID, callID, false)
	if c == nil || c.output == nil {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(c.output))
	copy(cp, c.output)
	return cp, nil
}

func (s *MemoryStore) PutBlob(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = cp
	return nil
}

func (s *MemoryStore) GetBlobRange(_ context.Context, key string, r domain.ByteRange) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return sliceRange(data, r)
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
