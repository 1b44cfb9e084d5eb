package postgres

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// JobEventRepo is the append-only per-job event log.
type JobEventRepo struct{ Pool PgxPool }

// NewJobEventRepo constructs a JobEventRepo with the given pool.
func NewJobEventRepo(p PgxPool) *JobEventRepo { return &JobEventRepo{Pool: p} }

// Append stores an event under the next gapless seq for the job. Seq is
// derived inside the insert; a concurrent writer losing the race hits the
// (job_id, seq) primary key and the insert is retried with a fresh seq.
func (r *JobEventRepo) Append(ctx domain.Context, jobID string, t domain.EventType, payload any) (domain.JobEvent, error) {
	tracer := otel.Tracer("repo.job_events")
	ctx, span := tracer.Start(ctx, "job_events.Append")
	defer span.End()

	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return domain.JobEvent{}, err
	}
	ts := time.Now().UTC()
	q := `INSERT INTO job_events (job_id, seq, type, payload, ts)
	SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4 FROM job_events WHERE job_id = $1
	RETURNING seq`

	var seq int64
	for attempt := 0; ; attempt++ {
		err = r.Pool.QueryRow(ctx, q, jobID, t, raw, ts).Scan(&seq)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < 4 {
			continue
		}
		return domain.JobEvent{}, dbErr("job_events.append", err)
	}
	return domain.JobEvent{JobID: jobID, Seq: seq, Type: t, Payload: raw, TS: ts}, nil
}

// List returns events with seq greater than sinceSeq in ascending order.
// limit <= 0 means no cap.
func (r *JobEventRepo) List(ctx domain.Context, jobID string, sinceSeq int64, limit int) ([]domain.JobEvent, error) {
	tracer := otel.Tracer("repo.job_events")
	ctx, span := tracer.Start(ctx, "job_events.List")
	defer span.End()

	q := `SELECT job_id, seq, type, payload, ts FROM job_events
	WHERE job_id=$1 AND seq > $2 ORDER BY seq ASC`
	args := []any{jobID, sinceSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, dbErr("job_events.list", err)
	}
	defer rows.Close()

	var out []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &e.Payload, &e.TS); err != nil {
			return nil, dbErr("job_events.list_scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("job_events.list_rows", err)
	}
	return out, nil
}

// DeleteByJobID drops a job's whole event log.
func (r *JobEventRepo) DeleteByJobID(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.job_events")
	ctx, span := tracer.Start(ctx, "job_events.DeleteByJobID")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM job_events WHERE job_id=$1`, jobID); err != nil {
		return dbErr("job_events.delete", err)
	}
	return nil
}
