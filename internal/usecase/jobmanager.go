// Package usecase contains the application services: job lifecycle
// management, the research orchestration pipeline, knowledge-base search,
// and report retrieval. Services depend only on domain ports plus a few
// adapter-level text utilities, so every one of them runs against the
// in-memory repositories in tests.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

// subscriberBuffer is the per-subscriber event channel depth. A consumer
// that falls this far behind is dropped and has to catch up over the
// replay path with its last seen sequence number.
const subscriberBuffer = 64

// SubmitOptions carries the caller-controlled submission knobs.
type SubmitOptions struct {
	// IdempotencyKey is the client-chosen dedup key. Empty means dedup by
	// parameter fingerprint.
	IdempotencyKey string
	// ForceNew skips dedup entirely and always creates a fresh job.
	ForceNew bool
	// ProgressToken, when set, is echoed on progress notifications.
	ProgressToken string
}

// SubmitResult reports what Submit did: the job that will serve the
// request, whether it was reused, and the stored result when the reused
// job already succeeded.
type SubmitResult struct {
	JobID  string
	Status domain.JobStatus
	Reused bool
	Result json.RawMessage
}

// CancelResult reports the outcome of a cancellation request.
type CancelResult struct {
	Cancelled      bool
	PreviousStatus domain.JobStatus
}

// JobManager owns the job lifecycle: submission with idempotent dedup,
// leasing, heartbeats, terminal transitions, and the per-job event log
// with its live fan-out. It is the only writer of final events, so each
// job gets exactly one of job_complete, job_error, or job_cancelled.
type JobManager struct {
	cfg      config.Config
	jobs     domain.JobRepository
	events   domain.JobEventRepository
	notifier domain.DispatchNotifier
	progress domain.ProgressNotifier

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan domain.JobEvent
}

var _ domain.EventSink = (*JobManager)(nil)

// NewJobManager constructs a JobManager. notifier and progress may be nil;
// dispatch then relies on worker polling alone and progress notifications
// stay in the event log.
func NewJobManager(cfg config.Config, jobs domain.JobRepository, events domain.JobEventRepository, notifier domain.DispatchNotifier, progress domain.ProgressNotifier) *JobManager {
	return &JobManager{
		cfg:      cfg,
		jobs:     jobs,
		events:   events,
		notifier: notifier,
		progress: progress,
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// Submit validates params, deduplicates against live and terminal jobs
// under the effective idempotency key, and creates a queued job when no
// reusable one exists. Failed and cancelled jobs may be replaced up to the
// resubmit budget; succeeded jobs are always reused together with their
// stored result.
func (m *JobManager) Submit(ctx domain.Context, params domain.ResearchParams, opts SubmitOptions) (SubmitResult, error) {
	params.Normalize()
	if len(params.Query) < 3 {
		return SubmitResult{}, fmt.Errorf("op=usecase.Submit: query must be at least 3 characters: %w", domain.ErrInvalidArgument)
	}
	if err := m.checkAttachments(params); err != nil {
		return SubmitResult{}, err
	}

	key := opts.IdempotencyKey
	if key != "" {
		var err error
		if key, err = domain.ValidateIdempotencyKey(key); err != nil {
			return SubmitResult{}, err
		}
	} else {
		key = params.Fingerprint()
	}

	now := time.Now().UTC()
	resubmits := 0
	if !opts.ForceNew {
		existing, err := m.jobs.FindLiveByIdempotencyKey(ctx, key, now)
		switch {
		case err == nil:
			res, reused, rerr := m.reuseOrRelease(ctx, existing)
			if rerr != nil {
				return SubmitResult{}, rerr
			}
			if reused {
				slog.Info("job submit deduplicated",
					slog.String("job_id", res.JobID),
					slog.String("status", string(res.Status)))
				return res, nil
			}
			resubmits = existing.Resubmits + 1
		case errors.Is(err, domain.ErrNotFound):
			// no live binding, proceed to create
		default:
			return SubmitResult{}, err
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=usecase.Submit: encode params: %w", domain.ErrInternal)
	}

	expires := now.Add(m.cfg.IdempotencyTTL)
	j := domain.Job{
		ID:            uuid.New().String(),
		Type:          domain.JobTypeResearch,
		Params:        raw,
		Status:        domain.JobQueued,
		ProgressToken: opts.ProgressToken,
		CreatedAt:     now,
		UpdatedAt:     now,
		RunAfter:      now,
		Resubmits:     resubmits,
	}
	if !opts.ForceNew {
		j.IdempotencyKey = &key
		j.IdempotencyExpiresAt = &expires
	}

	if err := m.createJob(ctx, j, key, now); err != nil {
		var raced racedSubmit
		if errors.As(err, &raced) {
			return raced.result, nil
		}
		return SubmitResult{}, err
	}

	observability.EnqueueJob(j.Type)
	if m.notifier != nil {
		if nerr := m.notifier.NotifySubmitted(ctx, j.ID); nerr != nil {
			// Dispatch is a latency optimization; polling still picks the
			// job up within one worker poll interval.
			slog.Warn("dispatch notify failed",
				slog.String("job_id", j.ID),
				slog.Any("error", nerr))
		}
	}
	slog.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.Bool("force_new", opts.ForceNew),
		slog.Int("resubmits", resubmits))
	return SubmitResult{JobID: j.ID, Status: domain.JobQueued}, nil
}

// racedSubmit carries the reused job out of createJob when a concurrent
// submit won the unique-index race on the same key.
type racedSubmit struct {
	result SubmitResult
}

func (racedSubmit) Error() string { return "submit raced, reused existing job" }

// createJob inserts the job row. A unique violation on the idempotency key
// means either a concurrent submit won (reuse its job) or an expired
// binding still occupies the index (clear and retry once).
func (m *JobManager) createJob(ctx domain.Context, j domain.Job, key string, now time.Time) error {
	err := m.jobs.Create(ctx, j)
	if err == nil || !errors.Is(err, domain.ErrConflict) || j.IdempotencyKey == nil {
		return err
	}
	if existing, ferr := m.jobs.FindLiveByIdempotencyKey(ctx, key, now); ferr == nil {
		return racedSubmit{result: m.resultFor(existing)}
	}
	// The index slot is held by an expired binding that cleanup has not
	// reached yet. Release it and retry once.
	if _, cerr := m.jobs.ClearExpiredIdempotencyKeys(ctx, now); cerr != nil {
		return err
	}
	return m.jobs.Create(ctx, j)
}

// reuseOrRelease decides what to do with a live-keyed job found during
// submit. Non-terminal and succeeded jobs are reused. Failed and cancelled
// jobs are reused once the resubmit budget is spent; below the budget
// their key binding is released so the replacement can claim it.
func (m *JobManager) reuseOrRelease(ctx domain.Context, existing domain.Job) (SubmitResult, bool, error) {
	switch existing.Status {
	case domain.JobFailed, domain.JobCancelled:
		if existing.Resubmits >= m.cfg.IdempotencyResubmits {
			slog.Warn("resubmit budget exhausted, returning terminal job",
				slog.String("job_id", existing.ID),
				slog.Int("resubmits", existing.Resubmits))
			return m.resultFor(existing), true, nil
		}
		if err := m.jobs.ClearIdempotencyKey(ctx, existing.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return SubmitResult{}, false, err
		}
		return SubmitResult{}, false, nil
	default:
		return m.resultFor(existing), true, nil
	}
}

func (m *JobManager) resultFor(j domain.Job) SubmitResult {
	res := SubmitResult{JobID: j.ID, Status: j.Status, Reused: true}
	if j.Status == domain.JobSucceeded {
		res.Result = j.Result
	}
	return res
}

func (m *JobManager) checkAttachments(p domain.ResearchParams) error {
	limit := m.cfg.MaxAttachmentBytes()
	for _, d := range p.TextDocuments {
		if int64(len(d.Content)) > limit {
			return fmt.Errorf("op=usecase.Submit: text document %q exceeds %d bytes: %w", d.Name, limit, domain.ErrInvalidArgument)
		}
		if !isTextContent(d.Content) {
			return fmt.Errorf("op=usecase.Submit: text document %q is not text: %w", d.Name, domain.ErrInvalidArgument)
		}
	}
	for _, d := range p.StructuredData {
		if int64(len(d.Content)) > limit {
			return fmt.Errorf("op=usecase.Submit: structured attachment %q exceeds %d bytes: %w", d.Name, limit, domain.ErrInvalidArgument)
		}
		if !isTextContent(d.Content) {
			return fmt.Errorf("op=usecase.Submit: structured attachment %q does not contain %s text: %w", d.Name, d.Type, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// isTextContent sniffs for binary payloads smuggled into text fields. Every
// text-based type in the mimetype tree descends from text/plain.
func isTextContent(s string) bool {
	for mt := mimetype.Detect([]byte(s)); mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true
		}
	}
	return false
}

// Get returns the job by id.
func (m *JobManager) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	return m.jobs.Get(ctx, jobID)
}

// Events returns the persisted event log for a job, strictly after
// sinceSeq. The job must exist.
func (m *JobManager) Events(ctx domain.Context, jobID string, sinceSeq int64, limit int) ([]domain.JobEvent, error) {
	if _, err := m.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return m.events.List(ctx, jobID, sinceSeq, limit)
}

// Subscribe registers a live event listener for the job. The returned
// cancel function is idempotent. The channel closes when the job emits its
// final event, when the subscriber falls subscriberBuffer events behind,
// or when cancel is called.
func (m *JobManager) Subscribe(jobID string) (<-chan domain.JobEvent, func()) {
	s := &subscriber{ch: make(chan domain.JobEvent, subscriberBuffer)}
	m.mu.Lock()
	set := m.subs[jobID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		m.subs[jobID] = set
	}
	set[s] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			set, ok := m.subs[jobID]
			if !ok {
				return
			}
			if _, live := set[s]; live {
				delete(set, s)
				close(s.ch)
			}
			if len(set) == 0 {
				delete(m.subs, jobID)
			}
		})
	}
	return s.ch, cancel
}

// Emit appends an event to the job's log and fans it out to live
// subscribers. It implements domain.EventSink for the orchestrator.
func (m *JobManager) Emit(ctx domain.Context, jobID string, t domain.EventType, payload any) error {
	ev, err := m.events.Append(ctx, jobID, t, payload)
	if err != nil {
		return err
	}
	m.broadcast(ev)
	return nil
}

func (m *JobManager) broadcast(ev domain.JobEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[ev.JobID]
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			// Never block the pipeline on a slow consumer. Dropped
			// subscribers recover through Events(sinceSeq).
			delete(set, s)
			close(s.ch)
		}
	}
	if ev.Type.Final() {
		for s := range set {
			delete(set, s)
			close(s.ch)
		}
		delete(m.subs, ev.JobID)
	}
}

// Progress persists the percentage, appends a progress event, and forwards
// it to the progress notifier when the job carries a token.
func (m *JobManager) Progress(ctx domain.Context, jobID, token string, percent int, message string) error {
	if err := m.jobs.UpdateProgress(ctx, jobID, percent); err != nil {
		return err
	}
	p := domain.ProgressPayload{Percent: percent, Message: message}
	if err := m.Emit(ctx, jobID, domain.EventProgress, p); err != nil {
		return err
	}
	if token != "" && m.progress != nil {
		m.progress.NotifyProgress(ctx, token, jobID, p)
	}
	return nil
}

// Cancel requests cancellation. Terminal jobs are a no-op reporting their
// status. Queued jobs finalize immediately; running jobs keep the flag set
// and unwind at the orchestrator's next checkpoint.
func (m *JobManager) Cancel(ctx domain.Context, jobID string) (CancelResult, error) {
	j, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return CancelResult{}, err
	}
	if j.Status.Terminal() {
		return CancelResult{Cancelled: false, PreviousStatus: j.Status}, nil
	}
	if err := m.jobs.MarkCancelRequested(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			if cur, gerr := m.jobs.Get(ctx, jobID); gerr == nil && cur.Status.Terminal() {
				return CancelResult{Cancelled: false, PreviousStatus: cur.Status}, nil
			}
		}
		return CancelResult{}, err
	}
	if j.Status == domain.JobQueued {
		switch err := m.jobs.MarkCancelled(ctx, jobID); {
		case err == nil:
			_ = m.Emit(ctx, jobID, domain.EventJobCancelled, domain.JobCancelledPayload{})
			observability.JobsCancelledTotal.WithLabelValues(j.Type).Inc()
			slog.Info("queued job cancelled", slog.String("job_id", jobID))
		case errors.Is(err, domain.ErrConflict):
			// A worker leased it between our read and the update. The
			// request flag is set, so it unwinds in flight.
		default:
			return CancelResult{}, err
		}
	}
	return CancelResult{Cancelled: true, PreviousStatus: j.Status}, nil
}

// Lease claims the next due research job for workerID.
func (m *JobManager) Lease(ctx domain.Context, workerID string) (domain.Job, error) {
	j, err := m.jobs.Lease(ctx, []string{domain.JobTypeResearch}, workerID, m.cfg.LeaseDuration())
	if err != nil {
		return domain.Job{}, err
	}
	observability.StartRunningJob(j.Type)
	slog.Info("job leased",
		slog.String("job_id", j.ID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", j.Attempts))
	return j, nil
}

// Heartbeat extends the lease while the job is being worked.
func (m *JobManager) Heartbeat(ctx domain.Context, jobID, workerID string) error {
	return m.jobs.Heartbeat(ctx, jobID, workerID, m.cfg.LeaseDuration())
}

// Complete stores the result, flips the job to succeeded, and emits the
// job_complete final event.
func (m *JobManager) Complete(ctx domain.Context, job domain.Job, res domain.ResearchResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=usecase.Complete: encode result: %w", domain.ErrInternal)
	}
	if err := m.withStorageRetry(ctx, func() error {
		return m.jobs.CompleteJob(ctx, job.ID, raw)
	}); err != nil {
		return err
	}
	_ = m.Emit(ctx, job.ID, domain.EventJobComplete, domain.JobCompletePayload{
		ReportID:   res.ReportID,
		DurationMs: res.DurationMs,
	})
	observability.CompleteJob(job.Type, sinceStart(job))
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("report_id", res.ReportID),
		slog.Int64("duration_ms", res.DurationMs),
		slog.Bool("cached", res.Cached))
	return nil
}

// Fail finalizes or requeues a job that errored. Cancellation errors route
// to FinishCancelled. Retryable errors requeue with backoff until the
// attempt budget is spent; everything else fails the job and emits the
// job_error final event.
func (m *JobManager) Fail(ctx domain.Context, job domain.Job, jobErr error) error {
	if errors.Is(jobErr, domain.ErrCancelled) {
		return m.FinishCancelled(ctx, job, "")
	}

	policy := m.cfg.RetryPolicy()
	if domain.IsRetryable(jobErr) && !policy.Exhausted(job.Attempts) {
		delay := policy.Delay(job.Attempts)
		switch err := m.jobs.Requeue(ctx, job.ID, time.Now().UTC().Add(delay)); {
		case err == nil:
			observability.JobsRunning.WithLabelValues(job.Type).Dec()
			slog.Warn("job requeued after retryable failure",
				slog.String("job_id", job.ID),
				slog.Int("attempt", job.Attempts),
				slog.Duration("delay", delay),
				slog.Any("error", jobErr))
			return nil
		case errors.Is(err, domain.ErrConflict):
			// Someone else finalized it first, typically a cancel.
			return nil
		default:
			return err
		}
	}

	msg := singleLine(jobErr)
	retryable := domain.IsRetryable(jobErr)
	if err := m.withStorageRetry(ctx, func() error {
		return m.jobs.FailJob(ctx, job.ID, msg, retryable)
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	_ = m.Emit(ctx, job.ID, domain.EventJobError, domain.JobErrorPayload{
		Code:      domain.ErrorCode(jobErr),
		Message:   msg,
		Retryable: retryable,
	})
	observability.FailJob(job.Type, sinceStart(job))
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("code", domain.ErrorCode(jobErr)),
		slog.Int("attempt", job.Attempts),
		slog.Any("error", jobErr))
	return nil
}

// FinishCancelled flips a cancel-requested job to cancelled and emits the
// job_cancelled final event. partialReportID names a persisted partial
// report when synthesis had already produced one.
func (m *JobManager) FinishCancelled(ctx domain.Context, job domain.Job, partialReportID string) error {
	if err := m.withStorageRetry(ctx, func() error {
		return m.jobs.MarkCancelled(ctx, job.ID)
	}); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}
	_ = m.Emit(ctx, job.ID, domain.EventJobCancelled, domain.JobCancelledPayload{
		PartialReportID: partialReportID,
	})
	observability.CancelJob(job.Type, sinceStart(job))
	slog.Info("job cancelled",
		slog.String("job_id", job.ID),
		slog.String("partial_report_id", partialReportID))
	return nil
}

// Requeue puts a leased job back in the queue without consuming the
// failure path, used when a worker shuts down mid-job.
func (m *JobManager) Requeue(ctx domain.Context, job domain.Job) error {
	switch err := m.jobs.Requeue(ctx, job.ID, time.Now().UTC()); {
	case err == nil:
		observability.JobsRunning.WithLabelValues(job.Type).Dec()
		slog.Info("job released back to queue", slog.String("job_id", job.ID))
		return nil
	case errors.Is(err, domain.ErrConflict):
		return nil
	default:
		return err
	}
}

// IsCancelRequested reads the job's cancellation flag.
func (m *JobManager) IsCancelRequested(ctx domain.Context, jobID string) (bool, error) {
	return m.jobs.IsCancelRequested(ctx, jobID)
}

// Stats aggregates job counts by status.
func (m *JobManager) Stats(ctx domain.Context) (domain.JobStats, error) {
	return m.jobs.Stats(ctx)
}

// withStorageRetry retries op on transient storage errors for a short,
// bounded window. Terminal transitions must not be lost to a failover
// blip, but must also not wedge the worker.
func (m *JobManager) withStorageRetry(ctx domain.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, domain.ErrStorageTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func sinceStart(j domain.Job) time.Duration {
	if j.StartedAt != nil {
		return time.Since(*j.StartedAt)
	}
	return time.Since(j.CreatedAt)
}

// singleLine flattens an error for storage in the job row and event log.
func singleLine(err error) string {
	if err == nil {
		return ""
	}
	s := strings.Join(strings.Fields(err.Error()), " ")
	const maxErrLen = 2000
	if len(s) > maxErrLen {
		s = s[:maxErrLen]
	}
	return s
}

// ctxErr maps a context termination to the matching domain error.
func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=usecase: deadline exceeded: %w", domain.ErrTimeout)
	}
	return fmt.Errorf("op=usecase: %w", domain.ErrCancelled)
}
