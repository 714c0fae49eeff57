package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
)

// PostgresQueue is the durable Queue implementation: jobs survive process
// restarts, and SKIP LOCKED dequeue lets many worker processes share the
// table without double-processing a row (spec.md §4.10).
type PostgresQueue struct {
	pool *pgxpool.Pool
	rnd  *rand.Rand
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool, rnd: rand.New(rand.NewSource(1))}
}

func (q *PostgresQueue) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return q.pool
}

func (q *PostgresQueue) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	opts.applyDefaults()
	if opts.JobType == "" {
		return nil, errs.New(errs.Validation, "job_type is required")
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = time.Now().UTC()
	}
	params, err := marshalJSONB(opts.Parameters)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	_, err = q.conn(ctx).Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, job_type, status, priority, parameters,
			max_attempts, backoff_initial_seconds, backoff_max_seconds, jitter_ratio, scheduled_at)
		VALUES ($1,$2,$3,'Pending',$4,$5,$6,$7,$8,$9,$10)`,
		id, opts.TenantID, opts.JobType, opts.Priority, params,
		opts.MaxAttempts, opts.BackoffInitialSeconds, opts.BackoffMaxSeconds, opts.JitterRatio, opts.ScheduledAt)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "enqueue job")
	}

	if err := db.Notify(ctx, q.conn(ctx), jobsChannel); err != nil {
		return nil, errs.Wrap(errs.Database, err, "notify job queue")
	}

	return q.GetJob(ctx, opts.TenantID, id)
}

// Dequeue claims the highest-priority, earliest-created Pending job of one
// of jobTypes whose scheduled_at has arrived, atomically marking it
// Running. Returns (nil, nil) when no job is available — not an error,
// matching the poll-loop caller's expectation (spec.md §4.10 "dequeue").
func (q *PostgresQueue) Dequeue(ctx context.Context, tenantID string, jobTypes []string, workerID string) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "begin dequeue transaction")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE tenant_id=$1 AND job_type = ANY($2) AND status='Pending' AND scheduled_at <= now()
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, tenantID, jobTypes)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Database, err, "select job to dequeue")
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status='Running', worker_id=$1, started_at=now(), heartbeat_at=now()
		WHERE id=$2
		RETURNING `+jobColumns, workerID, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.Database, err, "commit dequeue transaction")
	}
	return job, nil
}

// jobsChannel is the Postgres NOTIFY channel every enqueue wakes listeners
// on; it carries no payload (any Pending job may now be eligible), so a
// woken consumer still goes through the normal Dequeue filter.
const jobsChannel = "fhirengine_jobs"

// Listen blocks on the shared db.Listener until a job is enqueued or ctx is
// cancelled, then invokes onNotify once. Callers should still poll Dequeue
// on a timer (spec.md §4.10 "NOTIFY + poll fallback"): NOTIFY is
// best-effort and is not delivered to a connection that wasn't listening at
// the moment of the notification.
func (q *PostgresQueue) Listen(ctx context.Context, onNotify func(payload string)) error {
	l := db.NewListener(q.pool, jobsChannel)
	if err := l.WaitForNotification(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errs.Wrap(errs.Database, err, "wait for job notification")
	}
	onNotify("")
	return nil
}

func (q *PostgresQueue) GetJob(ctx context.Context, tenantID, id string) (*Job, error) {
	job, err := scanJob(q.conn(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (q *PostgresQueue) UpdateProgress(ctx context.Context, tenantID, id string, processed, total int64, progress map[string]interface{}) error {
	raw, err := marshalJSONB(progress)
	if err != nil {
		return err
	}
	tag, err := q.conn(ctx).Exec(ctx, `
		UPDATE jobs SET processed_items=$1, total_items=$2, progress=$3, heartbeat_at=now()
		WHERE tenant_id=$4 AND id=$5 AND status='Running'`, processed, total, raw, tenantID, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "update job progress")
	}
	if tag.RowsAffected() == 0 {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	return nil
}

// CompleteJob honors cancel_requested by writing Cancelled instead of
// Completed (spec.md §4.10), so a worker that finished its current chunk
// after an in-flight cancellation request records the outcome the caller of
// cancel_job actually asked for.
func (q *PostgresQueue) CompleteJob(ctx context.Context, tenantID, id string) error {
	tag, err := q.conn(ctx).Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN cancel_requested THEN 'Cancelled' ELSE 'Completed' END,
			completed_at = now()
		WHERE tenant_id=$1 AND id=$2 AND status='Running'`, tenantID, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	return nil
}

// FailJob records cause and either reschedules the job (incrementing
// retry_count, backing off per nextBackoff) or marks it permanently Failed
// once max_attempts is exhausted.
func (q *PostgresQueue) FailJob(ctx context.Context, tenantID, id string, cause error) error {
	job, err := q.GetJob(ctx, tenantID, id)
	if err != nil {
		return err
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if job.RetryCount+1 >= job.MaxAttempts {
		tag, err := q.conn(ctx).Exec(ctx, `
			UPDATE jobs SET status='Failed', last_error=$1, retry_count=retry_count+1, completed_at=now()
			WHERE tenant_id=$2 AND id=$3 AND status='Running'`, message, tenantID, id)
		if err != nil {
			return errs.Wrap(errs.Database, err, "fail job")
		}
		if tag.RowsAffected() == 0 {
			return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
		}
		return nil
	}

	delay := nextBackoff(job.BackoffInitialSeconds, job.BackoffMaxSeconds, job.JitterRatio, job.RetryCount, q.rnd)
	tag, err := q.conn(ctx).Exec(ctx, `
		UPDATE jobs SET status='Pending', last_error=$1, retry_count=retry_count+1,
			scheduled_at=now()+make_interval(secs => $2), worker_id=NULL, started_at=NULL
		WHERE tenant_id=$3 AND id=$4 AND status='Running'`,
		message, delay.Seconds(), tenantID, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "reschedule failed job")
	}
	if tag.RowsAffected() == 0 {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or not running")
	}
	return nil
}

// CancelJob sets cancel_requested so a running job's next IsCancelled
// check can stop cooperatively, and immediately transitions a still-Pending
// job straight to Cancelled (spec.md §4.10's state machine: there is no
// running work to cooperate with yet).
func (q *PostgresQueue) CancelJob(ctx context.Context, tenantID, id string) error {
	tag, err := q.conn(ctx).Exec(ctx, `
		UPDATE jobs SET cancel_requested=true,
			status = CASE WHEN status='Pending' THEN 'Cancelled' ELSE status END,
			completed_at = CASE WHEN status='Pending' THEN now() ELSE completed_at END
		WHERE tenant_id=$1 AND id=$2 AND status IN ('Pending','Running')`, tenantID, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "cancel job")
	}
	if tag.RowsAffected() == 0 {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found or already finished")
	}
	return nil
}

func (q *PostgresQueue) IsCancelled(ctx context.Context, tenantID, id string) (bool, error) {
	var cancelled bool
	err := q.conn(ctx).QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&cancelled)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, errs.WithSubject(errs.ResourceNotFound, id, "job not found")
		}
		return false, errs.Wrap(errs.Database, err, "check job cancellation")
	}
	return cancelled, nil
}

func (q *PostgresQueue) DeleteJob(ctx context.Context, tenantID, id string) error {
	tag, err := q.conn(ctx).Exec(ctx, `DELETE FROM jobs WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "delete job")
	}
	if tag.RowsAffected() == 0 {
		return errs.WithSubject(errs.ResourceNotFound, id, "job not found")
	}
	return nil
}

func (q *PostgresQueue) HealthCheck(ctx context.Context) error {
	if err := q.pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.Database, err, "job queue health check")
	}
	return nil
}

// CleanupOldJobs deletes terminal (Completed/Failed/Cancelled) jobs whose
// completed_at predates olderThan, returning the number removed.
func (q *PostgresQueue) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('Completed','Failed','Cancelled') AND completed_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, errs.Wrap(errs.Database, err, "clean up old jobs")
	}
	return tag.RowsAffected(), nil
}

const jobColumns = `id, tenant_id, job_type, status, priority, parameters, progress,
	processed_items, total_items, max_attempts, backoff_initial_seconds, backoff_max_seconds,
	jitter_ratio, retry_count, last_error, scheduled_at, cancel_requested, worker_id,
	created_at, started_at, heartbeat_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var params, progress []byte
	var lastError, workerID sql.NullString
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.JobType, &j.Status, &j.Priority, &params, &progress,
		&j.ProcessedItems, &j.TotalItems, &j.MaxAttempts, &j.BackoffInitialSeconds, &j.BackoffMaxSeconds,
		&j.JitterRatio, &j.RetryCount, &lastError, &j.ScheduledAt, &j.CancelRequested, &workerID,
		&j.CreatedAt, &j.StartedAt, &j.HeartbeatAt, &j.CompletedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.ResourceNotFound, "job not found")
		}
		return nil, errs.Wrap(errs.Database, err, "scan job row")
	}
	j.LastError = lastError.String
	j.WorkerID = workerID.String
	if err := json.Unmarshal(params, &j.Parameters); err != nil {
		return nil, errs.Wrap(errs.Database, err, "decode job parameters")
	}
	if err := json.Unmarshal(progress, &j.Progress); err != nil {
		return nil, errs.Wrap(errs.Database, err, "decode job progress")
	}
	return &j, nil
}

func marshalJSONB(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "marshal job field")
	}
	return raw, nil
}
