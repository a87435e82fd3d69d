package domain

import (
	"fmt"
	"strconv"
	"time"
)

// JobType is the single-letter prefix of a job id.
type JobType string

const (
	JobTypeMap    JobType = "M"
	JobTypeReduce JobType = "R"
)

// ProtocolVersion identifies the payload/status format spoken between the
// invoker and the worker runtime. Backends reporting a different version are
// rejected before any call is dispatched.
const ProtocolVersion = "meteor/1"

// ByteRange selects one argument record inside a job's aggregated data blob.
// End is exclusive.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Job is one submission unit of TotalCalls independent calls sharing runtime
// and timeout settings. A Job is immutable once handed to the invoker.
type Job struct {
	ExecutorID       string        `json:"executor_id"`
	JobID            string        `json:"job_id"`
	TotalCalls       int           `json:"total_calls"`
	RuntimeName      string        `json:"runtime_name"`
	RuntimeMemory    int           `json:"runtime_memory"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	Chunksize        int           `json:"chunksize"`
	FuncKey          string        `json:"func_key"`
	DataKey          string        `json:"data_key"`
	DataRanges       []ByteRange   `json:"data_ranges,omitempty"`
	HostSubmitTime   time.Time     `json:"host_submit_time"`
}

// Chunk is a worker slot: a run of consecutive calls dispatched together in
// one activation. Its token is released once all of its calls completed.
type Chunk struct {
	Index    int
	WorkerID string
	CallIDs  []string
}

// Key returns the globally unique job key "<executorID>-<jobID>".
func (j *Job) Key() string {
	return j.ExecutorID + "-" + j.JobID
}

// Validate checks the structural invariants of a job.
func (j *Job) Validate() error {
	if j.ExecutorID == "" {
		return fmt.Errorf("executor id is required")
	}
	if j.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.TotalCalls < 0 {
		return fmt.Errorf("total calls must be >= 0, got %d", j.TotalCalls)
	}
	if j.Chunksize < 0 {
		return fmt.Errorf("chunksize must be >= 0, got %d", j.Chunksize)
	}
	if len(j.DataRanges) > 0 && len(j.DataRanges) != j.TotalCalls {
		return fmt.Errorf("job has %d data ranges for %d calls", len(j.DataRanges), j.TotalCalls)
	}
	return nil
}

// EffectiveChunksize returns the chunksize, treating zero as one call per slot.
func (j *Job) EffectiveChunksize() int {
	if j.Chunksize <= 0 {
		return 1
	}
	return j.Chunksize
}

// NumChunks returns ceil(TotalCalls / chunksize).
func (j *Job) NumChunks() int {
	if j.TotalCalls <= 0 {
		return 0
	}
	cs := j.EffectiveChunksize()
	return (j.TotalCalls + cs - 1) / cs
}

// ChunkLen returns how many calls belong to chunk i.
func (j *Job) ChunkLen(i int) int {
	cs := j.EffectiveChunksize()
	start := i * cs
	if i < 0 || start >= j.TotalCalls {
		return 0
	}
	return min(cs, j.TotalCalls-start)
}

// Chunks splits the job's calls into worker slots.
func (j *Job) Chunks() []Chunk {
	n := j.NumChunks()
	cs := j.EffectiveChunksize()
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		ids := make([]string, 0, j.ChunkLen(i))
		for k := i * cs; k < i*cs+j.ChunkLen(i); k++ {
			ids = append(ids, CallID(k))
		}
		chunks = append(chunks, Chunk{Index: i, WorkerID: WorkerID(i), CallIDs: ids})
	}
	return chunks
}

// WorkerOf returns the worker slot id that owns callIndex.
func (j *Job) WorkerOf(callIndex int) string {
	return WorkerID(callIndex / j.EffectiveChunksize())
}

// Calls returns the job's calls in increasing id order.
func (j *Job) Calls() []Call {
	calls := make([]Call, j.TotalCalls)
	for i := range calls {
		calls[i] = Call{Index: i, CallID: CallID(i)}
		if i < len(j.DataRanges) {
			calls[i].DataRange = j.DataRanges[i]
		}
	}
	return calls
}

// Call is one unit of work inside a job.
type Call struct {
	Index     int       `json:"index"`
	CallID    string    `json:"call_id"`
	DataRange ByteRange `json:"data_range"`
}

// CallID formats a call ordinal as a zero-padded id.
func CallID(index int) string {
	return fmt.Sprintf("%05d", index)
}

// WorkerID formats a chunk index as a worker slot id.
func WorkerID(chunkIndex int) string {
	return fmt.Sprintf("w%05d", chunkIndex)
}

// ParseCallID returns the ordinal encoded in a call id.
func ParseCallID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("invalid call id %q: %w", id, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid call id %q", id)
	}
	return n, nil
}

// FormatJobID builds a job id from its type prefix and per-executor counter.
func FormatJobID(t JobType, n int) string {
	return fmt.Sprintf("%s%03d", t, n)
}
