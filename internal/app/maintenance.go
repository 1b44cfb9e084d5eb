package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

// Maintenance periodically repairs and prunes job state: expired leases go
// back to the queue, terminal jobs past their TTL are deleted together with
// their events, spent idempotency bindings are cleared, and expired cache
// entries are dropped. Exactly one instance should run per deployment;
// every operation is idempotent, so overlap with a second instance is
// wasteful but harmless.
type Maintenance struct {
	jobs     domain.JobRepository
	cache    domain.CacheRepository
	jobTTL   time.Duration
	interval time.Duration
}

// NewMaintenance builds the sweep loop. cache may be nil when the semantic
// cache is not persisted.
func NewMaintenance(jobs domain.JobRepository, cache domain.CacheRepository, jobTTL, interval time.Duration) *Maintenance {
	if jobs == nil {
		return nil
	}
	if jobTTL <= 0 {
		jobTTL = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Maintenance{
		jobs:     jobs,
		cache:    cache,
		jobTTL:   jobTTL,
		interval: interval,
	}
}

// Run sweeps once immediately and then on every interval tick until ctx ends.
func (m *Maintenance) Run(ctx context.Context) {
	if m == nil || m.jobs == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance loop stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Maintenance) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.maintenance")
	ctx, span := tracer.Start(ctx, "Maintenance.sweepOnce")
	defer span.End()

	now := time.Now().UTC()
	span.SetAttributes(attribute.Float64("jobs.ttl_seconds", m.jobTTL.Seconds()))

	reclaimed, err := m.jobs.RequeueExpiredLeases(ctx, now)
	if err != nil {
		span.RecordError(err)
		slog.Error("maintenance failed to requeue expired leases", slog.Any("error", err))
	} else if reclaimed > 0 {
		observability.LeaseReclaimsTotal.Add(float64(reclaimed))
		slog.Warn("expired leases returned to queue", slog.Int64("count", reclaimed))
	}

	deleted, err := m.jobs.DeleteTerminalBefore(ctx, now.Add(-m.jobTTL))
	if err != nil {
		span.RecordError(err)
		slog.Error("maintenance failed to delete terminal jobs", slog.Any("error", err))
	} else if deleted > 0 {
		slog.Info("terminal jobs past ttl deleted", slog.Int64("count", deleted))
	}

	cleared, err := m.jobs.ClearExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		span.RecordError(err)
		slog.Error("maintenance failed to clear idempotency keys", slog.Any("error", err))
	}

	var purged int64
	if m.cache != nil {
		purged, err = m.cache.DeleteExpired(ctx, now)
		if err != nil {
			span.RecordError(err)
			slog.Error("maintenance failed to purge cache entries", slog.Any("error", err))
		}
	}

	span.SetAttributes(
		attribute.Int64("jobs.leases_reclaimed", reclaimed),
		attribute.Int64("jobs.terminal_deleted", deleted),
		attribute.Int64("jobs.idempotency_cleared", cleared),
		attribute.Int64("cache.entries_purged", purged),
	)
}
