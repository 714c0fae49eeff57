package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirengine/internal/errs"
)

// Inline is an in-memory Queue for tests and single-process deployments
// that don't need durability: Enqueue stores the job synchronously and
// Dequeue returns jobs in the same priority/creation order the Postgres
// implementation would, without ever touching a database.
type Inline struct {
	mu   sync.Mutex
	jobs map[string]*Job
	rnd  *rand.Rand
}

func NewInline() *Inline {
	return &Inline{jobs: make(map[string]*Job), rnd: rand.New(rand.NewSource(1))}
}

func (q *Inline) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	opts.applyDefaults()
	if opts.JobType == "" {
		return nil, errs.New(errs.Validation, "job_type is required")
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = time.Now().UTC()
	}
	params := opts.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	job := &Job{
		ID: uuid.NewString(), TenantID: opts.TenantID, JobType: opts.JobType, Status: StatusPending,
		Priority: opts.Priority, Parameters: params, Progress: map[string]interface{}{},
		MaxAttempts: opts.MaxAttempts, BackoffInitialSeconds: opts.BackoffInitialSeconds,
		BackoffMaxSeconds: opts.BackoffMaxSeconds, JitterRatio: opts.JitterRatio,
		ScheduledAt: opts.ScheduledAt, CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.ID] = job
	return cloneJob(job), nil
}

// Dequeue returns the best eligible Pending job: among those whose
// scheduled_at has arrived, highest priority, then earliest created,
// matching the Postgres implementation's ORDER BY.
func (q *Inline) Dequeue(ctx context.Context, tenantID string, jobTypes []string, workerID string) (*Job, error) {
	wanted := make(map[string]bool, len(jobTypes))
	for _, t := range jobTypes {
		wanted[t] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, j := range q.jobs {
		if j.TenantID != tenantID || j.Status != StatusPending || !wanted[j.JobType] {
			continue
		}
		if j.ScheduledAt.After(now) {
			continue
		}
		if best == nil || betterCandidate(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusRunning
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	best.HeartbeatAt = &started
	return cloneJob(best), nil
}

func betterCandidate(candidate, current *Job) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	return candidate.CreatedAt.Before(current.CreatedAt)
}

func (q *Inline) GetJob(ctx context.Context, tenantID, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, errs.WithSubject(errs.ResourceNotFound, id, "job not found")
	}
	return cloneJob(j), nil
}

func (q *Inline) UpdateProgress(ctx context.Context, tenantID, id string, processed, total int64, progress map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != StatusRunning {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	j.ProcessedItems = processed
	j.TotalItems = total
	if progress != nil {
		j.Progress = progress
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// CompleteJob honors cancel_requested by writing Cancelled instead of
// Completed (spec.md §4.10), so a worker that finished its current chunk
// after an in-flight cancellation request records the outcome the caller of
// cancel_job actually asked for.
func (q *Inline) CompleteJob(ctx context.Context, tenantID, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != StatusRunning {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	if j.CancelRequested {
		j.Status = StatusCancelled
	} else {
		j.Status = StatusCompleted
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}

func (q *Inline) FailJob(ctx context.Context, tenantID, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID || j.Status != StatusRunning {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
	if j.RetryCount+1 >= j.MaxAttempts {
		j.Status = StatusFailed
		j.RetryCount++
		now := time.Now().UTC()
		j.CompletedAt = &now
		return nil
	}
	delay := nextBackoff(j.BackoffInitialSeconds, j.BackoffMaxSeconds, j.JitterRatio, j.RetryCount, q.rnd)
	j.RetryCount++
	j.Status = StatusPending
	j.ScheduledAt = time.Now().UTC().Add(delay)
	j.WorkerID = ""
	j.StartedAt = nil
	return nil
}

func (q *Inline) CancelJob(ctx context.Context, tenantID, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID || (j.Status != StatusPending && j.Status != StatusRunning) {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or already finished")
	}
	j.CancelRequested = true
	if j.Status == StatusPending {
		j.Status = StatusCancelled
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

func (q *Inline) IsCancelled(ctx context.Context, tenantID, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID {
		return false, errs.WithSubject(errs.ResourceNotFound, id, "job not found")
	}
	return j.CancelRequested, nil
}

func (q *Inline) DeleteJob(ctx context.Context, tenantID, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.TenantID != tenantID {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found")
	}
	delete(q.jobs, id)
	return nil
}

func (q *Inline) HealthCheck(ctx context.Context) error { return nil }

func (q *Inline) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var removed int64
	for id, j := range q.jobs {
		if !isTerminal(j.Status) || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		delete(q.jobs, id)
		removed++
	}
	return removed, nil
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func cloneJob(j *Job) *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		cp.HeartbeatAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
