// Package storage holds call status records, call outputs and the data blobs
// workers read their arguments from.
//
// Implementations:
//   - MemoryStore: in-process maps, used by the local backend and tests
//   - RedisStore: per-job hashes plus output and blob keys
//   - S3Store: one object per record under <prefix>/<executor>/<job>/<call>/
//   - PostgresStore: call_status, call_output and blobs tables
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/oriys/meteor/internal/domain"
)

// ErrNotFound is returned when a record does not exist yet. For status and
// output lookups it means "not done yet", never a failure.
var ErrNotFound = errors.New("storage: not found")

// StatusStore is the shared store written by workers and read by monitors,
// futures and the wait engine.
type StatusStore interface {
	// PutCallStatus stores an __init__ or __end__ record.
	PutCallStatus(ctx context.Context, st *domain.CallStatus) error
	// GetCallStatus returns the __end__ record of a call when present,
	// otherwise its __init__ record, otherwise ErrNotFound.
	GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*domain.CallStatus, error)
	// GetJobStatus lists the running and done calls of a job.
	GetJobStatus(ctx context.Context, executorID, jobID string) (*domain.JobStatus, error)

	PutCallOutput(ctx context.Context, executorID, jobID, callID string, data []byte) error
	GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error)

	PutBlob(ctx context.Context, key string, data []byte) error
	// GetBlobRange returns bytes [r.Start, r.End) of the blob at key.
	GetBlobRange(ctx context.Context, key string, r domain.ByteRange) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// Record kinds, used as the last component of object keys.
const (
	kindInit   = "init"
	kindStatus = "status"
	kindOutput = "output"
)

func kindOf(t domain.StatusType) string {
	if t == domain.StatusEnd {
		return kindStatus
	}
	return kindInit
}

// CallKey returns the object key of one record of a call.
func CallKey(prefix, executorID, jobID, callID, kind string) string {
	return path.Join(prefix, executorID, jobID, callID, kind)
}

func validateStatus(st *domain.CallStatus) error {
	if st == nil {
		return fmt.Errorf("nil call status")
	}
	if st.ExecutorID == "" || st.JobID == "" || st.CallID == "" {
		return fmt.Errorf("call status requires executor, job and call ids")
	}
	switch st.Type {
	case domain.StatusInit, domain.StatusEnd:
		return nil
	default:
		return fmt.Errorf("unknown status type %q", st.Type)
	}
}

// buildJobStatus folds the init and end records of a job into a JobStatus.
// Calls with an end record are done; the rest with an init record run.
func buildJobStatus(inits map[string]*domain.CallStatus, ends map[string]bool) *domain.JobStatus {
	js := &domain.JobStatus{
		Running: []domain.RunningCall{},
		Done:    []string{},
	}
	for id := range ends {
		js.Done = append(js.Done, id)
	}
	for id, st := range inits {
		if ends[id] {
			continue
		}
		js.Running = append(js.Running, domain.RunningCall{
			CallID:    id,
			WorkerID:  st.WorkerID,
			StartTime: st.StartTime,
		})
	}
	sort.Strings(js.Done)
	sort.Slice(js.Running, func(i, j int) bool { return js.Running[i].CallID < js.Running[j].CallID })
	return js
}

func sliceRange(data []byte, r domain.ByteRange) ([]byte, error) {
	if r.Start < 0 || r.End < r.Start || r.End > int64(len(data)) {
		return nil, fmt.Errorf("byte range [%d,%d) out of bounds for blob of %d bytes", r.Start, r.End, len(data))
	}
	out := make([]byte, r.Len())
	copy(out, data[r.Start:r.End])
	return out, nil
}
