// Package worker implements the job runner (C12, spec.md §4.11): a pool of
// bounded consumer goroutines that dequeue jobs from an internal/queue.Queue
// and dispatch them to a registered Handler by job_type, with graceful
// shutdown and reconnect backoff.
//
// Grounded on gofhir-validator's worker.BatchValidator (channel + WaitGroup
// fan-out, small-input sequential fallback), adapted from that package's
// one-shot batch validation run into a long-running consumer pool bounded by
// workers.max_concurrent_jobs: instead of closing the jobs channel once a
// fixed slice is drained, each consumer loops on Dequeue until its context is
// cancelled.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/queue"
)

// Handler processes one job. It should return promptly once Cancelled
// reports true, and should call UpdateProgress between chunks of a
// long-running job so heartbeat_at and processed_items stay current. The
// runner never forcibly interrupts a running Handler: cancellation is
// cooperative (spec.md §4.11).
type Handler func(ctx context.Context, jc *RunningJob) error

// RunningJob wraps a dequeued Job with the queue operations a Handler needs
// while it runs: progress reporting and cooperative cancellation checks.
type RunningJob struct {
	Job *queue.Job

	queue    queue.Queue
	tenantID string
}

// Cancelled reports whether cancel_job has been called for this job.
func (rj *RunningJob) Cancelled(ctx context.Context) bool {
	cancelled, err := rj.queue.IsCancelled(ctx, rj.tenantID, rj.Job.ID)
	return err == nil && cancelled
}

// UpdateProgress reports processed/total item counts and an optional
// progress detail document.
func (rj *RunningJob) UpdateProgress(ctx context.Context, processed, total int64, progress map[string]interface{}) error {
	return rj.queue.UpdateProgress(ctx, rj.tenantID, rj.Job.ID, processed, total, progress)
}

// Config mirrors spec.md §6's workers.* configuration block.
type Config struct {
	Enabled                 bool
	Embedded                bool
	MaxConcurrentJobs       int
	PollIntervalSeconds     int
	ReconnectInitialSeconds int
	ReconnectMaxSeconds     int
	ReconnectJitterRatio    float64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.ReconnectInitialSeconds <= 0 {
		c.ReconnectInitialSeconds = 1
	}
	if c.ReconnectMaxSeconds <= 0 {
		c.ReconnectMaxSeconds = 30
	}
	if c.ReconnectJitterRatio <= 0 {
		c.ReconnectJitterRatio = 0.2
	}
	return c
}

// listener is implemented by queue.PostgresQueue; the Inline queue doesn't
// need wakeup notifications since it has no out-of-process producers.
type listener interface {
	Listen(ctx context.Context, onNotify func(payload string)) error
}

// Runner owns one worker pool per registered job type and drives them
// against a queue.Queue until its context is cancelled.
type Runner struct {
	q        queue.Queue
	cfg      Config
	log      zerolog.Logger
	tenantID string
	workerID string

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewRunner(q queue.Queue, cfg Config, log zerolog.Logger, tenantID, workerID string) *Runner {
	return &Runner{
		q:        q,
		cfg:      cfg.withDefaults(),
		log:      log,
		tenantID: tenantID,
		workerID: workerID,
		handlers: make(map[string]Handler),
	}
}

// Register associates a job_type with the Handler that processes it. Must
// be called before Run.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Runner) jobTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

func (r *Runner) handlerFor(jobType string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Run spawns cfg.MaxConcurrentJobs consumer goroutines and blocks until ctx
// is cancelled, at which point it stops issuing new dequeues and waits for
// in-flight jobs to finish their current chunk before returning (graceful
// shutdown, spec.md §4.11).
func (r *Runner) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	types := r.jobTypes()
	if len(types) == 0 {
		r.log.Warn().Msg("worker runner started with no registered job types")
		return nil
	}

	if l, ok := r.q.(listener); ok {
		go r.listenLoop(ctx, l)
	}

	var wg sync.WaitGroup
	wg.Add(r.cfg.MaxConcurrentJobs)
	for i := 0; i < r.cfg.MaxConcurrentJobs; i++ {
		go func(consumerIdx int) {
			defer wg.Done()
			r.consume(ctx, types)
		}(i)
	}
	wg.Wait()
	return nil
}

// consume is one consumer goroutine's loop: dequeue, dispatch, repeat, with
// a poll-interval sleep when nothing was available.
func (r *Runner) consume(ctx context.Context, types []string) {
	ticker := time.NewTicker(time.Duration(r.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.dequeueWithReconnect(ctx, types)
		if err != nil {
			return // ctx cancelled during reconnect backoff
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		r.run(ctx, job)
	}
}

// dequeueWithReconnect retries Dequeue with exponential backoff on database
// errors (spec.md §4.11 "on database reconnect failures ... workers retry
// with exponential backoff"), returning (nil, nil) when the queue has no
// eligible job right now, and (nil, ctx.Err()) only once ctx is cancelled.
func (r *Runner) dequeueWithReconnect(ctx context.Context, types []string) (*queue.Job, error) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		job, err := r.q.Dequeue(ctx, r.tenantID, types, r.workerID)
		if err == nil {
			return job, nil
		}
		delay := backoffDuration(r.cfg.ReconnectInitialSeconds, r.cfg.ReconnectMaxSeconds, r.cfg.ReconnectJitterRatio, attempt, rnd)
		r.log.Error().Err(err).Dur("retry_in", delay).Msg("dequeue failed, retrying")
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Runner) run(ctx context.Context, job *queue.Job) {
	handler, ok := r.handlerFor(job.JobType)
	if !ok {
		r.log.Error().Str("job_id", job.ID).Str("job_type", job.JobType).Msg("no handler registered for job type")
		_ = r.q.FailJob(ctx, job.TenantID, job.ID, errs.New(errs.Internal, "no handler registered for job_type "+job.JobType))
		return
	}

	rj := &RunningJob{Job: job, queue: r.q, tenantID: job.TenantID}
	err := handler(ctx, rj)

	if err != nil {
		if failErr := r.q.FailJob(ctx, job.TenantID, job.ID, err); failErr != nil {
			r.log.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to record job failure")
		}
		return
	}
	// CompleteJob itself writes Cancelled instead of Completed when
	// cancel_requested was set while the handler was running.
	if completeErr := r.q.CompleteJob(ctx, job.TenantID, job.ID); completeErr != nil {
		r.log.Error().Err(completeErr).Str("job_id", job.ID).Msg("failed to record job completion")
	}
}

// listenLoop subscribes to the queue's notification channel purely to wake
// idle consumers sooner than the next poll tick; Dequeue itself remains the
// source of truth (spec.md §4.10 "NOTIFY + poll fallback"). Listen returns
// after each individual notification (or on ctx cancellation), so this loop
// resubscribes for the next one; only a genuine error backs off.
func (r *Runner) listenLoop(ctx context.Context, l listener) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for ctx.Err() == nil {
		err := l.Listen(ctx, func(payload string) {})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
			continue
		}
		delay := backoffDuration(r.cfg.ReconnectInitialSeconds, r.cfg.ReconnectMaxSeconds, r.cfg.ReconnectJitterRatio, attempt, rnd)
		r.log.Error().Err(err).Dur("retry_in", delay).Msg("job notification listener disconnected, retrying")
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
