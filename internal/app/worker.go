package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/usecase"
)

// finalizeTimeout bounds terminal writes made after the run context ended.
// A completed pipeline must still be able to record its result during
// shutdown, so finalization runs on a detached context.
const finalizeTimeout = 15 * time.Second

// JobRunner executes one leased job. The orchestrator implements it.
type JobRunner interface {
	Run(ctx domain.Context, job domain.Job, sink domain.EventSink) (domain.ResearchResult, error)
}

// Worker drains the job queue: lease, run, finalize, repeat. While a job
// runs it renews the lease on every heartbeat tick and watches the
// cancellation flag; losing the lease or seeing the flag cancels the run
// context with a cause the finalizer maps to the right terminal state.
type Worker struct {
	cfg     config.Config
	jobs    *usecase.JobManager
	runner  JobRunner
	id      string
	poll    time.Duration
	hbEvery time.Duration

	// wake lets the dispatch consumer cut the poll latency; capacity one
	// because a pending nudge already guarantees a drain.
	wake chan struct{}
}

// NewWorker builds a worker. The id comes from WORKER_ID or, when unset,
// hostname plus a random suffix so parallel workers never share a lease
// identity.
func NewWorker(cfg config.Config, jobs *usecase.JobManager, runner JobRunner) *Worker {
	id := cfg.WorkerID
	if id == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		id = host + "-" + uuid.NewString()[:8]
	}
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Worker{
		cfg:     cfg,
		jobs:    jobs,
		runner:  runner,
		id:      id,
		poll:    poll,
		hbEvery: cfg.HeartbeatInterval(),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the lease identity.
func (w *Worker) ID() string { return w.id }

// Wake nudges the loop to drain immediately. Safe from any goroutine;
// redundant nudges collapse into one.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx ends. Between drains it sleeps for the
// poll interval or until a dispatch notification wakes it.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		slog.String("worker_id", w.id),
		slog.Duration("poll_interval", w.poll),
		slog.Duration("lease", w.cfg.LeaseDuration()))

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", slog.String("worker_id", w.id))
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain leases and runs jobs until the queue is empty or ctx ends.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.jobs.Lease(ctx, w.id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				slog.Error("lease poll failed", slog.Any("error", err))
			}
			return
		}
		w.process(ctx, job)
	}
}

// process runs one leased job to a terminal state. The run context carries
// the hard deadline; the heartbeat goroutine cancels it with a cause when
// the lease is lost or cancellation is requested.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	runCtx, cancelDeadline := context.WithTimeoutCause(ctx, w.cfg.JobHardTimeout,
		fmt.Errorf("op=worker.process: job exceeded hard timeout %s: %w", w.cfg.JobHardTimeout, domain.ErrTimeout))
	defer cancelDeadline()
	runCtx, cancelRun := context.WithCancelCause(runCtx)
	defer cancelRun(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, job.ID, cancelRun)
	}()

	res, runErr := w.runner.Run(runCtx, job, w.jobs)
	cancelRun(nil)
	<-hbDone

	w.finalize(ctx, runCtx, job, res, runErr)
}

// heartbeat renews the lease and polls the cancellation flag until the run
// context ends. Transient storage errors are tolerated; the lease window
// allows several missed beats before another worker may reclaim the job.
func (w *Worker) heartbeat(ctx context.Context, jobID string, cancelRun context.CancelCauseFunc) {
	ticker := time.NewTicker(w.hbEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.jobs.Heartbeat(ctx, jobID, w.id); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				cancelRun(fmt.Errorf("op=worker.heartbeat: lease lost: %w", domain.ErrConflict))
				return
			}
			slog.Warn("heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}

		cancelled, err := w.jobs.IsCancelRequested(ctx, jobID)
		if err != nil {
			slog.Warn("cancel check failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if cancelled {
			cancelRun(fmt.Errorf("op=worker.heartbeat: %w", domain.ErrCancelled))
			return
		}
	}
}

// finalize maps the run outcome to exactly one terminal transition. Writes
// run on a context detached from the (possibly ended) run context so a
// finished pipeline is never lost to shutdown timing.
func (w *Worker) finalize(ctx, runCtx context.Context, job domain.Job, res domain.ResearchResult, runErr error) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if runErr == nil {
		if err := w.jobs.Complete(finCtx, job, res); err != nil {
			slog.Error("complete failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}

	// A cancelled run context explains the error better than the error
	// itself, which is usually a wrapped context.Canceled from deep in the
	// pipeline.
	if runCtx.Err() != nil && !errors.Is(runErr, domain.ErrCancelled) {
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, domain.ErrCancelled):
			runErr = cause
		case errors.Is(cause, domain.ErrTimeout):
			runErr = cause
		case errors.Is(cause, domain.ErrConflict):
			// The lease moved on; whoever holds it now owns the terminal
			// transition.
			slog.Warn("job abandoned after lease loss", slog.String("job_id", job.ID))
			return
		case ctx.Err() != nil:
			// Shutdown. The job did not fail; hand it back untouched.
			if err := w.jobs.Requeue(finCtx, job); err != nil {
				slog.Error("requeue on shutdown failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			return
		}
	}

	if err := w.jobs.Fail(finCtx, job, runErr); err != nil {
		slog.Error("fail transition failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
