package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// It owns the lease and idempotency invariants; callers never mutate status
// columns directly.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, params, status, progress, progress_token,
	created_at, updated_at, started_at, finished_at, run_after,
	lease_owner, lease_expires_at, heartbeat_at, attempts, resubmits,
	result, error, idempotency_key, idempotency_expires_at,
	retryable, cancel_requested`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Params, &j.Status, &j.Progress, &j.ProgressToken,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt, &j.RunAfter,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.HeartbeatAt, &j.Attempts, &j.Resubmits,
		&j.Result, &j.Error, &j.IdempotencyKey, &j.IdempotencyExpiresAt,
		&j.Retryable, &j.CancelRequested,
	)
	return j, err
}

// Create inserts a new job. The caller assigns the id; a live duplicate
// idempotency key surfaces as ErrConflict via the partial unique index.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	if j.RunAfter.IsZero() {
		j.RunAfter = j.CreatedAt
	}
	q := `INSERT INTO jobs (id, type, params, status, progress, progress_token,
		created_at, updated_at, run_after, attempts, resubmits, error,
		idempotency_key, idempotency_expires_at, retryable, cancel_requested)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'',$12,$13,FALSE,FALSE)`
	_, err := r.Pool.Exec(ctx, q,
		j.ID, j.Type, j.Params, j.Status, j.Progress, j.ProgressToken,
		j.CreatedAt, j.UpdatedAt, j.RunAfter, j.Attempts, j.Resubmits,
		j.IdempotencyKey, j.IdempotencyExpiresAt,
	)
	if err != nil {
		return dbErr("job.create", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Job{}, dbErr("job.get", err)
	}
	return j, nil
}

// FindLiveByIdempotencyKey loads the job bound to key when the binding has
// not expired at now.
func (r *JobRepo) FindLiveByIdempotencyKey(ctx domain.Context, key string, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindLiveByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
	WHERE idempotency_key=$1 AND (idempotency_expires_at IS NULL OR idempotency_expires_at > $2)
	LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, key, now.UTC()))
	if err != nil {
		return domain.Job{}, dbErr("job.find_idem", err)
	}
	return j, nil
}

// ClearIdempotencyKey releases a job's key binding so the key can be reused.
func (r *JobRepo) ClearIdempotencyKey(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClearIdempotencyKey")
	defer span.End()
	q := `UPDATE jobs SET idempotency_key=NULL, idempotency_expires_at=NULL, updated_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, time.Now().UTC()); err != nil {
		return dbErr("job.clear_idem", err)
	}
	return nil
}

// Lease atomically claims the oldest runnable job of one of the given
// types. Runnable means queued with run_after due, or running with a lapsed
// lease; queued jobs win over reclaimed ones. SKIP LOCKED keeps concurrent
// workers from blocking on the same row.
func (r *JobRepo) Lease(ctx domain.Context, types []string, workerID string, leaseFor time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Lease")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET
		status='running',
		lease_owner=$2,
		lease_expires_at=$3,
		heartbeat_at=$4,
		started_at=COALESCE(started_at, $4),
		attempts=attempts+1,
		updated_at=$4
	WHERE id = (
		SELECT id FROM jobs
		WHERE type = ANY($1)
		  AND ((status='queued' AND run_after <= $4)
		    OR (status='running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $4))
		ORDER BY CASE WHEN status='queued' THEN 0 ELSE 1 END, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, types, workerID, now.Add(leaseFor), now))
	if err != nil {
		return domain.Job{}, dbErr("job.lease", err)
	}
	return j, nil
}

// Heartbeat extends the lease while the caller still owns it.
func (r *JobRepo) Heartbeat(ctx domain.Context, id, workerID string, leaseFor time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET lease_expires_at=$3, heartbeat_at=$4, updated_at=$4
	WHERE id=$1 AND lease_owner=$2 AND status IN ('running','input_required')`
	tag, err := r.Pool.Exec(ctx, q, id, workerID, now.Add(leaseFor), now)
	if err != nil {
		return dbErr("job.heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.heartbeat: lease lost: %w", domain.ErrConflict)
	}
	return nil
}

// MarkCancelRequested flips the cooperative cancel flag on a live job.
func (r *JobRepo) MarkCancelRequested(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelRequested")
	defer span.End()
	q := `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2
	WHERE id=$1 AND status IN ('queued','running','input_required')`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return dbErr("job.mark_cancel", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return fmt.Errorf("op=job.mark_cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.mark_cancel: job terminal: %w", domain.ErrConflict)
	}
	return nil
}

// SetStatus performs a guarded transition. The origin status is part of the
// WHERE clause, so a lost race shows up as zero rows and maps to conflict.
func (r *JobRepo) SetStatus(ctx domain.Context, id string, from, to domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetStatus")
	defer span.End()
	if !from.CanTransition(to) {
		return fmt.Errorf("op=job.set_status: %s -> %s: %w", from, to, domain.ErrConflict)
	}
	now := time.Now().UTC()
	var q string
	if to.Terminal() {
		q = `UPDATE jobs SET status=$3, finished_at=$4, updated_at=$4,
			lease_owner='', lease_expires_at=NULL
		WHERE id=$1 AND status=$2`
	} else {
		q = `UPDATE jobs SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`
	}
	tag, err := r.Pool.Exec(ctx, q, id, from, to, now)
	if err != nil {
		return dbErr("job.set_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_status: not in %s: %w", from, domain.ErrConflict)
	}
	return nil
}

// CompleteJob finalizes a running job with its result payload.
func (r *JobRepo) CompleteJob(ctx domain.Context, id string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteJob")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='succeeded', result=$2, error='', retryable=FALSE,
		progress=100, finished_at=$3, updated_at=$3,
		lease_owner='', lease_expires_at=NULL
	WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, result, now)
	if err != nil {
		return dbErr("job.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: not running: %w", domain.ErrConflict)
	}
	return nil
}

// FailJob finalizes a job with an error. Guarded on a non-terminal status so
// the terminal outcome is written exactly once.
func (r *JobRepo) FailJob(ctx domain.Context, id string, errMsg string, retryable bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailJob")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='failed', error=$2, retryable=$3, result=NULL,
		finished_at=$4, updated_at=$4, lease_owner='', lease_expires_at=NULL
	WHERE id=$1 AND status IN ('queued','running','input_required')`
	tag, err := r.Pool.Exec(ctx, q, id, errMsg, retryable, now)
	if err != nil {
		return dbErr("job.fail", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.fail: job terminal: %w", domain.ErrConflict)
	}
	return nil
}

// MarkCancelled finalizes a job as cancelled.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='cancelled', finished_at=$2, updated_at=$2,
		lease_owner='', lease_expires_at=NULL
	WHERE id=$1 AND status IN ('queued','running','input_required')`
	tag, err := r.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return dbErr("job.cancel", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.cancel: job terminal: %w", domain.ErrConflict)
	}
	return nil
}

// Requeue returns a running job to the queue for a later attempt, clearing
// the lease so another worker can claim it after runAfter.
func (r *JobRepo) Requeue(ctx domain.Context, id string, runAfter time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	q := `UPDATE jobs SET status='queued', run_after=$2, updated_at=$3,
		lease_owner='', lease_expires_at=NULL, heartbeat_at=NULL
	WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, runAfter.UTC(), time.Now().UTC())
	if err != nil {
		return dbErr("job.requeue", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.requeue: not running: %w", domain.ErrConflict)
	}
	return nil
}

// UpdateProgress raises progress monotonically; stale lower values are kept.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, progress int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE jobs SET progress=GREATEST(progress, $2), updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, progress, time.Now().UTC())
	if err != nil {
		return dbErr("job.update_progress", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	return nil
}

// IsCancelRequested reports the cooperative cancel flag.
func (r *JobRepo) IsCancelRequested(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IsCancelRequested")
	defer span.End()
	q := `SELECT cancel_requested FROM jobs WHERE id=$1`
	var v bool
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&v); err != nil {
		return false, dbErr("job.is_cancel_requested", err)
	}
	return v, nil
}

// RequeueExpiredLeases returns running jobs with lapsed leases to the queue.
// The lease loop would reclaim them anyway; this keeps stats honest between
// polls and reacts faster when a worker dies.
func (r *JobRepo) RequeueExpiredLeases(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueExpiredLeases")
	defer span.End()
	q := `UPDATE jobs SET status='queued', updated_at=$1,
		lease_owner='', lease_expires_at=NULL, heartbeat_at=NULL
	WHERE status='running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1`
	tag, err := r.Pool.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, dbErr("job.requeue_expired", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBefore removes terminal jobs finished before cutoff together
// with their event logs, in one transaction.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, dbErr("job.delete_terminal_begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `DELETE FROM job_events WHERE job_id IN (
		SELECT id FROM jobs
		WHERE status IN ('succeeded','failed','cancelled') AND finished_at < $1
	)`, cutoff.UTC())
	if err != nil {
		return 0, dbErr("job.delete_terminal_events", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM jobs
	WHERE status IN ('succeeded','failed','cancelled') AND finished_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, dbErr("job.delete_terminal", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("job.delete_terminal_commit", err)
	}
	return tag.RowsAffected(), nil
}

// ClearExpiredIdempotencyKeys releases expired key bindings so the partial
// unique index stops blocking reuse.
func (r *JobRepo) ClearExpiredIdempotencyKeys(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClearExpiredIdempotencyKeys")
	defer span.End()
	q := `UPDATE jobs SET idempotency_key=NULL, idempotency_expires_at=NULL, updated_at=$1
	WHERE idempotency_key IS NOT NULL
	  AND idempotency_expires_at IS NOT NULL AND idempotency_expires_at <= $1`
	tag, err := r.Pool.Exec(ctx, q, now.UTC())
	if err != nil {
		return 0, dbErr("job.clear_expired_idem", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates job counts by status for the ops surface.
func (r *JobRepo) Stats(ctx domain.Context) (domain.JobStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Stats")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return domain.JobStats{}, dbErr("job.stats", err)
	}
	defer rows.Close()
	st := domain.JobStats{ByStatus: map[domain.JobStatus]int{}}
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.JobStats{}, dbErr("job.stats_scan", err)
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return domain.JobStats{}, dbErr("job.stats_rows", err)
	}
	return st, nil
}
