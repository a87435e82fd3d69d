package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/meteor/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_status (
			executor_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMPTZ,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (executor_id, job_id, call_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_status_job ON call_status(executor_id, job_id)`,
		`CREATE TABLE IF NOT EXISTS call_output (
			executor_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (executor_id, job_id, call_id)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PutCallStatus(ctx context.Context, st *domain.CallStatus) error {
	if err := validateStatus(st); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var startTime any
	if !st.StartTime.IsZero() {
		startTime = st.StartTime
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_status (executor_id, job_id, call_id, kind, worker_id, start_time, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (executor_id, job_id, call_id, kind) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			start_time = EXCLUDED.start_time,
			data = EXCLUDED.data,
			updated_at = NOW()
		WHERE call_status.kind <> 'status'
	`, st.ExecutorID, st.JobID, st.CallID, kindOf(st.Type), st.WorkerID, startTime, data)
	if err != nil {
		return fmt.Errorf("save call status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*domain.CallStatus, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM call_status
		WHERE executor_id = $1 AND job_id = $2 AND call_id = $3
		ORDER BY CASE kind WHEN 'status' THEN 0 ELSE 1 END
		LIMIT 1
	`, executorID, jobID, callID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call status: %w", err)
	}
	var st domain.CallStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode call status: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetJobStatus(ctx context.Context, executorID, jobID string) (*domain.JobStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, kind, worker_id, start_time FROM call_status
		WHERE executor_id = $1 AND job_id = $2
	`, executorID, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	defer rows.Close()

	inits := make(map[string]*domain.CallStatus)
	ends := make(map[string]bool)
	for rows.Next() {
		var callID, kind, workerID string
		var startTime *time.Time
		if err := rows.Scan(&callID, &kind, &workerID, &startTime); err != nil {
			return nil, err
		}
		if kind == kindStatus {
			ends[callID] = true
			continue
		}
		st := &domain.CallStatus{CallID: callID, WorkerID: workerID}
		if startTime != nil {
			st.StartTime = *startTime
		}
		inits[callID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildJobStatus(inits, ends), nil
}

func (s *PostgresStore) PutCallOutput(ctx context.Context, executorID, jobID, callID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_output (executor_id, job_id, call_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (executor_id, job_id, call_id) DO UPDATE SET data = EXCLUDED.data
	`, executorID, jobID, callID, data)
	if err != nil {
		return fmt.Errorf("save call output: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM call_output WHERE executor_id = $1 AND job_id = $2 AND call_id = $3
	`, executorID, jobID, callID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call output: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) PutBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blobs (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data
	`, key, data)
	if err != nil {
		return fmt.Errorf("save blob: %w", err)
	}
	return nil
}

// GetBlobRange slices the blob server-side; substring offsets are 1-based.
func (s *PostgresStore) GetBlobRange(ctx context.Context, key string, r domain.ByteRange) ([]byte, error) {
	if r.Start < 0 || r.End < r.Start {
		return nil, fmt.Errorf("invalid byte range [%d,%d)", r.Start, r.End)
	}
	var data []byte
	var size int64
	err := s.pool.QueryRow(ctx, `
		SELECT substring(data FROM $2 FOR $3), length(data) FROM blobs WHERE key = $1
	`, key, r.Start+1, r.Len()).Scan(&data, &size)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get blob range: %w", err)
	}
	if r.End > size {
		return nil, fmt.Errorf("byte range [%d,%d) out of bounds for blob of %d bytes", r.Start, r.End, size)
	}
	return data, nil
}
