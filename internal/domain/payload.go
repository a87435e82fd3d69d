package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadKind distinguishes call payloads from remote-driver payloads.
type PayloadKind string

const (
	PayloadCall   PayloadKind = "call"
	PayloadDriver PayloadKind = "driver"
)

// InvocationPayload is the body handed to ComputeBackend.Invoke.
type InvocationPayload struct {
	Kind             PayloadKind   `json:"kind"`
	ProtocolVersion  string        `json:"protocol_version"`
	ExecutorID       string        `json:"executor_id"`
	JobID            string        `json:"job_id"`
	WorkerID         string        `json:"worker_id,omitempty"`
	CallIDs          []string      `json:"call_ids,omitempty"`
	FuncKey          string        `json:"func_key"`
	DataKey          string        `json:"data_key,omitempty"`
	DataRanges       []ByteRange   `json:"data_ranges,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`
	RuntimeName      string        `json:"runtime_name"`
	RuntimeMemory    int           `json:"runtime_memory"`
	HostSubmitTime   time.Time     `json:"host_submit_time"`
	TraceParent      string        `json:"traceparent,omitempty"`
	TraceState       string        `json:"tracestate,omitempty"`

	// Driver payloads only.
	Job     *Job `json:"job,omitempty"`
	Workers int  `json:"workers,omitempty"`
}

// NewCallPayload builds the payload that runs one chunk of a job.
func NewCallPayload(job *Job, chunk Chunk) *InvocationPayload {
	p := &InvocationPayload{
		Kind:             PayloadCall,
		ProtocolVersion:  ProtocolVersion,
		ExecutorID:       job.ExecutorID,
		JobID:            job.JobID,
		WorkerID:         chunk.WorkerID,
		CallIDs:          chunk.CallIDs,
		FuncKey:          job.FuncKey,
		DataKey:          job.DataKey,
		ExecutionTimeout: job.ExecutionTimeout,
		RuntimeName:      job.RuntimeName,
		RuntimeMemory:    job.RuntimeMemory,
		HostSubmitTime:   time.Now().UTC(),
	}
	if len(job.DataRanges) > 0 {
		p.DataRanges = make([]ByteRange, 0, len(chunk.CallIDs))
		for _, id := range chunk.CallIDs {
			idx, err := ParseCallID(id)
			if err != nil || idx >= len(job.DataRanges) {
				p.DataRanges = append(p.DataRanges, ByteRange{})
				continue
			}
			p.DataRanges = append(p.DataRanges, job.DataRanges[idx])
		}
	}
	return p
}

// NewDriverPayload builds the payload that delegates the whole job to a
// remote invoker.
func NewDriverPayload(job *Job, workers int) *InvocationPayload {
	return &InvocationPayload{
		Kind:             PayloadDriver,
		ProtocolVersion:  ProtocolVersion,
		ExecutorID:       job.ExecutorID,
		JobID:            job.JobID,
		FuncKey:          job.FuncKey,
		DataKey:          job.DataKey,
		ExecutionTimeout: job.ExecutionTimeout,
		RuntimeName:      job.RuntimeName,
		RuntimeMemory:    job.RuntimeMemory,
		HostSubmitTime:   time.Now().UTC(),
		Job:              job,
		Workers:          workers,
	}
}

// Encode serializes the payload.
func (p *InvocationPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses and validates an invocation payload.
func DecodePayload(data []byte) (*InvocationPayload, error) {
	var p InvocationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode invocation payload: %w", err)
	}
	if p.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %q (want %q)", p.ProtocolVersion, ProtocolVersion)
	}
	switch p.Kind {
	case PayloadCall:
		if len(p.CallIDs) == 0 {
			return nil, fmt.Errorf("call payload for %s-%s carries no call ids", p.ExecutorID, p.JobID)
		}
		if len(p.DataRanges) > 0 && len(p.DataRanges) != len(p.CallIDs) {
			return nil, fmt.Errorf("call payload has %d data ranges for %d calls", len(p.DataRanges), len(p.CallIDs))
		}
	case PayloadDriver:
		if p.Job == nil {
			return nil, fmt.Errorf("driver payload for %s-%s carries no job", p.ExecutorID, p.JobID)
		}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return &p, nil
}

// RuntimeMeta describes the worker runtime installed behind a backend.
type RuntimeMeta struct {
	ProtocolVersion string   `json:"protocol_version"`
	RuntimeName     string   `json:"runtime_name"`
	RuntimeMemory   int      `json:"runtime_memory"`
	Handlers        []string `json:"handlers,omitempty"`
}
