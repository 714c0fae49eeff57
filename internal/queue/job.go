// Package queue implements the durable job queue (C11, spec.md §4.10):
// a Postgres-backed priority queue with skip-locked dequeue, LISTEN/NOTIFY
// wakeup with a poll fallback, and exponential-backoff retry with jitter;
// plus an Inline variant that runs jobs synchronously in-process for tests
// and single-node deployments that don't need durability.
//
// Grounded on the teacher's internal/platform/fhir/async_batch.go
// (AsyncBatchJob's status/progress/error-tracking shape, AsyncBatchStore's
// CRUD-ish interface), generalized from that file's single "batch job"
// concern into a general-purpose, job-type-agnostic queue backed by the
// jobs table (internal/platform/db/migrations/005_jobs.sql).
package queue

import (
	"context"
	"time"
)

// Status is a job's position in the state machine spec.md §4.10 describes:
// Pending -> Running -> Completed | Failed | Cancelled. Failed jobs may
// cycle back to Pending via the retry policy until max_attempts is spent.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Job is one row of the jobs table.
type Job struct {
	ID                    string
	TenantID              string
	JobType               string
	Status                Status
	Priority              int
	Parameters            map[string]interface{}
	Progress              map[string]interface{}
	ProcessedItems        int64
	TotalItems            int64
	MaxAttempts           int
	BackoffInitialSeconds int
	BackoffMaxSeconds     int
	JitterRatio           float64
	RetryCount            int
	LastError             string
	ScheduledAt           time.Time
	CancelRequested       bool
	WorkerID              string
	CreatedAt             time.Time
	StartedAt             *time.Time
	HeartbeatAt           *time.Time
	CompletedAt           *time.Time
}

// EnqueueOptions configures a new job (spec.md §4.10 "enqueue"). Zero
// values fall back to the jobs table's own column defaults.
type EnqueueOptions struct {
	TenantID              string
	JobType               string
	Parameters            map[string]interface{}
	Priority              int
	MaxAttempts           int
	BackoffInitialSeconds int
	BackoffMaxSeconds     int
	JitterRatio           float64
	ScheduledAt           time.Time // zero means "now"
}

const (
	defaultMaxAttempts           = 5
	defaultBackoffInitialSeconds = 1
	defaultBackoffMaxSeconds     = 60
	defaultJitterRatio           = 0.2
)

func (o *EnqueueOptions) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffInitialSeconds <= 0 {
		o.BackoffInitialSeconds = defaultBackoffInitialSeconds
	}
	if o.BackoffMaxSeconds <= 0 {
		o.BackoffMaxSeconds = defaultBackoffMaxSeconds
	}
	if o.JitterRatio <= 0 {
		o.JitterRatio = defaultJitterRatio
	}
	if o.TenantID == "" {
		o.TenantID = "default"
	}
}

// Queue is the interface both the Postgres-backed and Inline
// implementations satisfy, so workers (C12) and HTTP handlers depend on
// neither concretely.
type Queue interface {
	Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error)
	Dequeue(ctx context.Context, tenantID string, jobTypes []string, workerID string) (*Job, error)
	GetJob(ctx context.Context, tenantID, id string) (*Job, error)
	UpdateProgress(ctx context.Context, tenantID, id string, processed, total int64, progress map[string]interface{}) error
	CompleteJob(ctx context.Context, tenantID, id string) error
	FailJob(ctx context.Context, tenantID, id string, cause error) error
	CancelJob(ctx context.Context, tenantID, id string) error
	IsCancelled(ctx context.Context, tenantID, id string) (bool, error)
	DeleteJob(ctx context.Context, tenantID, id string) error
	HealthCheck(ctx context.Context) error
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}
