package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInline_EnqueueDequeue(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, err := q.Dequeue(ctx, "t1", []string{"reindex"}, "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.Status != StatusRunning || job.WorkerID != "worker-1" {
		t.Fatalf("expected a Running job claimed by worker-1, got %+v", job)
	}
}

func TestInline_DequeueEmptyReturnsNilNil(t *testing.T) {
	q := NewInline()
	job, err := q.Dequeue(context.Background(), "t1", []string{"reindex"}, "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected (nil, nil) when no job is eligible, got (%+v, %v)", job, err)
	}
}

func TestInline_DequeuePrefersHigherPriority(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex", Priority: 1})
	high, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex", Priority: 5})

	job, err := q.Dequeue(ctx, "t1", []string{"reindex"}, "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.ID != high.ID {
		t.Errorf("expected the higher-priority job to dequeue first, got %s", job.ID)
	}
}

func TestInline_DequeueHonorsScheduledAt(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex", ScheduledAt: time.Now().Add(time.Hour)})
	job, err := q.Dequeue(ctx, "t1", []string{"reindex"}, "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected no eligible job before its scheduled_at, got (%+v, %v)", job, err)
	}
}

func TestInline_CompleteJob(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	dequeued, _ := q.Dequeue(ctx, "t1", []string{"reindex"}, "w1")
	if err := q.CompleteJob(ctx, "t1", dequeued.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := q.GetJob(ctx, "t1", created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("expected a completed job, got %+v", got)
	}
}

func TestInline_FailJobRetriesUntilMaxAttempts(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex", MaxAttempts: 2})

	dequeued, _ := q.Dequeue(ctx, "t1", []string{"reindex"}, "w1")
	if err := q.FailJob(ctx, "t1", dequeued.ID, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	retried, err := q.GetJob(ctx, "t1", created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.Status != StatusPending || retried.RetryCount != 1 {
		t.Fatalf("expected the job rescheduled to Pending after its first failure, got %+v", retried)
	}

	q.jobs[created.ID].ScheduledAt = time.Now().Add(-time.Hour)
	dequeued2, err := q.Dequeue(ctx, "t1", []string{"reindex"}, "w1")
	if err != nil || dequeued2 == nil {
		t.Fatalf("expected the job to be dequeued again immediately (scheduled_at overridden for this test), got (%+v, %v)", dequeued2, err)
	}
	if err := q.FailJob(ctx, "t1", dequeued2.ID, errors.New("boom again")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final, err := q.GetJob(ctx, "t1", created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("expected the job permanently Failed after exhausting max_attempts, got %s", final.Status)
	}
}

func TestInline_CancelPendingJobIsImmediate(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	if err := q.CancelJob(ctx, "t1", created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := q.GetJob(ctx, "t1", created.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected a Pending job to cancel immediately, got %s", got.Status)
	}
}

func TestInline_CancelRunningJobSetsFlagOnly(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	dequeued, _ := q.Dequeue(ctx, "t1", []string{"reindex"}, "w1")
	if err := q.CancelJob(ctx, "t1", dequeued.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := q.GetJob(ctx, "t1", created.ID)
	if got.Status != StatusRunning {
		t.Errorf("expected a Running job to stay Running until it checks IsCancelled, got %s", got.Status)
	}
	cancelled, err := q.IsCancelled(ctx, "t1", created.ID)
	if err != nil || !cancelled {
		t.Errorf("expected IsCancelled to report true, got (%v, %v)", cancelled, err)
	}
}

func TestInline_DeleteJob(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	if err := q.DeleteJob(ctx, "t1", created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.GetJob(ctx, "t1", created.ID); err == nil {
		t.Fatal("expected the deleted job to be gone")
	}
}

func TestInline_TenantIsolation(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	if _, err := q.GetJob(ctx, "t2", created.ID); err == nil {
		t.Fatal("expected a job to be invisible to a different tenant")
	}
}

func TestInline_CleanupOldJobs(t *testing.T) {
	q := NewInline()
	ctx := context.Background()
	created, _ := q.Enqueue(ctx, EnqueueOptions{TenantID: "t1", JobType: "reindex"})
	dequeued, _ := q.Dequeue(ctx, "t1", []string{"reindex"}, "w1")
	_ = q.CompleteJob(ctx, "t1", dequeued.ID)
	q.jobs[created.ID].CompletedAt = timePtr(time.Now().Add(-48 * time.Hour))

	removed, err := q.CleanupOldJobs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 job removed, got %d", removed)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
