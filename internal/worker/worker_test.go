package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/queue"
)

func testRunner(t *testing.T, q queue.Queue, cfg Config) *Runner {
	t.Helper()
	cfg.Enabled = true
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 1
	}
	return NewRunner(q, cfg, zerolog.Nop(), "t1", "worker-1")
}

func TestRunner_DispatchesToRegisteredHandler(t *testing.T) {
	q := queue.NewInline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Bool
	r := testRunner(t, q, Config{MaxConcurrentJobs: 2})
	r.Register("reindex", func(ctx context.Context, rj *RunningJob) error {
		handled.Store(true)
		cancel()
		return nil
	})

	if _, err := q.Enqueue(ctx, queue.EnqueueOptions{TenantID: "t1", JobType: "reindex"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not shut down after cancellation")
	}

	if !handled.Load() {
		t.Error("expected the handler to run")
	}
}

func TestRunner_HandlerErrorFailsJob(t *testing.T) {
	q := queue.NewInline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := testRunner(t, q, Config{MaxConcurrentJobs: 1})
	r.Register("reindex", func(ctx context.Context, rj *RunningJob) error {
		cancel()
		return errors.New("boom")
	})

	job, _ := q.Enqueue(context.Background(), queue.EnqueueOptions{TenantID: "t1", JobType: "reindex", MaxAttempts: 1})

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	<-done

	got, err := q.GetJob(context.Background(), "t1", job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Errorf("expected the job to be Failed after a single max_attempts, got %s", got.Status)
	}
}

func TestRunner_CooperativeCancellationMarksJobCancelled(t *testing.T) {
	q := queue.NewInline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := testRunner(t, q, Config{MaxConcurrentJobs: 1})
	r.Register("reindex", func(ctx context.Context, rj *RunningJob) error {
		defer cancel()
		deadline := time.Now().Add(2 * time.Second)
		for !rj.Cancelled(ctx) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if !rj.Cancelled(ctx) {
			t.Error("expected Cancelled to report true once cancel_job was called")
		}
		return nil
	})

	job, _ := q.Enqueue(context.Background(), queue.EnqueueOptions{TenantID: "t1", JobType: "reindex"})

	dequeued := make(chan struct{})
	go func() {
		for {
			got, _ := q.GetJob(context.Background(), "t1", job.ID)
			if got.Status == queue.StatusRunning {
				close(dequeued)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()

	<-dequeued
	if err := q.CancelJob(context.Background(), "t1", job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-done

	got, _ := q.GetJob(context.Background(), "t1", job.ID)
	if got.Status != queue.StatusCancelled {
		t.Errorf("expected the job to end Cancelled, got %s", got.Status)
	}
}

// TestRunner_NoHandlerFailsJobImmediately exercises run()'s defensive branch
// directly: in normal operation Dequeue only ever returns job types with a
// registered Handler (jobTypes() feeds the dequeue filter), but a handler
// could be unregistered between a dequeue and dispatch in a dynamic
// registration scenario, so run() must still fail such a job rather than
// drop it silently.
func TestRunner_NoHandlerFailsJobImmediately(t *testing.T) {
	q := queue.NewInline()
	ctx := context.Background()

	r := testRunner(t, q, Config{MaxConcurrentJobs: 1})

	job, _ := q.Enqueue(ctx, queue.EnqueueOptions{TenantID: "t1", JobType: "reindex", MaxAttempts: 1})
	dequeued, err := q.Dequeue(ctx, "t1", []string{"reindex"}, "worker-1")
	if err != nil || dequeued == nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.run(ctx, dequeued)

	got, err := q.GetJob(ctx, "t1", job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Errorf("expected an unroutable job_type to fail, got %s", got.Status)
	}
}

func TestRunner_DisabledReturnsImmediately(t *testing.T) {
	q := queue.NewInline()
	r := NewRunner(q, Config{Enabled: false}, zerolog.Nop(), "t1", "worker-1")

	done := make(chan struct{})
	go func() { r.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return immediately when disabled")
	}
}

func TestBackoffDuration_NeverNegativeAndCapped(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDuration(1, 30, 0.2, attempt, rnd)
		if d < 0 {
			t.Fatalf("attempt %d: got negative backoff %v", attempt, d)
		}
		if d > 36*time.Second {
			t.Fatalf("attempt %d: backoff %v exceeds max plus jitter", attempt, d)
		}
	}
}
