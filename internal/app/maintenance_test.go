package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research/internal/adapter/repo/memory"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

func queuedJob(t *testing.T, jobs *memory.JobStore, id string) domain.Job {
	t.Helper()
	j := domain.Job{
		ID:     id,
		Type:   domain.JobTypeResearch,
		Status: domain.JobQueued,
		Params: json.RawMessage(`{"query":"maintenance fixture"}`),
	}
	require.NoError(t, jobs.Create(context.Background(), j))
	return j
}

func TestMaintenanceReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()
	queuedJob(t, jobs, "job-stale")

	// A negative lease window expires the claim immediately, as if the
	// owning worker died without heartbeating.
	_, err := jobs.Lease(ctx, []string{domain.JobTypeResearch}, "dead-worker", -time.Second)
	require.NoError(t, err)

	m := NewMaintenance(jobs, nil, time.Hour, time.Hour)
	m.sweepOnce(ctx)

	j, err := jobs.Get(ctx, "job-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Empty(t, j.LeaseOwner)
	assert.Nil(t, j.LeaseExpiresAt)
}

func TestMaintenanceKeepsLiveLeases(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()
	queuedJob(t, jobs, "job-live")

	_, err := jobs.Lease(ctx, []string{domain.JobTypeResearch}, "healthy-worker", time.Hour)
	require.NoError(t, err)

	m := NewMaintenance(jobs, nil, time.Hour, time.Hour)
	m.sweepOnce(ctx)

	j, err := jobs.Get(ctx, "job-live")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.Status)
	assert.Equal(t, "healthy-worker", j.LeaseOwner)
}

func TestMaintenanceDeletesTerminalJobsPastTTL(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()
	queuedJob(t, jobs, "job-old")
	_, err := jobs.Lease(ctx, []string{domain.JobTypeResearch}, "w1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, jobs.CompleteJob(ctx, "job-old", json.RawMessage(`{"reportId":"r1"}`)))

	m := NewMaintenance(jobs, nil, time.Millisecond, time.Hour)
	time.Sleep(10 * time.Millisecond)
	m.sweepOnce(ctx)

	_, err = jobs.Get(ctx, "job-old")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMaintenanceSparesRecentTerminalJobs(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()
	queuedJob(t, jobs, "job-fresh")
	_, err := jobs.Lease(ctx, []string{domain.JobTypeResearch}, "w1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, jobs.CompleteJob(ctx, "job-fresh", json.RawMessage(`{"reportId":"r1"}`)))

	m := NewMaintenance(jobs, nil, time.Hour, time.Hour)
	m.sweepOnce(ctx)

	j, err := jobs.Get(ctx, "job-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, j.Status)
}

func TestMaintenanceClearsExpiredIdempotencyBindings(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()

	key := "client-key-1"
	past := time.Now().UTC().Add(-time.Minute)
	j := domain.Job{
		ID:                   "job-idem",
		Type:                 domain.JobTypeResearch,
		Status:               domain.JobQueued,
		IdempotencyKey:       &key,
		IdempotencyExpiresAt: &past,
	}
	require.NoError(t, jobs.Create(ctx, j))

	m := NewMaintenance(jobs, nil, time.Hour, time.Hour)
	m.sweepOnce(ctx)

	got, err := jobs.Get(ctx, "job-idem")
	require.NoError(t, err)
	assert.Nil(t, got.IdempotencyKey)
	assert.Nil(t, got.IdempotencyExpiresAt)
}

func TestMaintenancePurgesExpiredCacheEntries(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobStore()
	cache := memory.NewCacheStore()

	now := time.Now().UTC()
	require.NoError(t, cache.Upsert(ctx, domain.CacheEntry{
		Fingerprint: "fp-dead",
		Content:     "stale cached report",
		InsertedAt:  now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}))
	require.NoError(t, cache.Upsert(ctx, domain.CacheEntry{
		Fingerprint: "fp-live",
		Content:     "fresh cached report",
		InsertedAt:  now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	m := NewMaintenance(jobs, cache, time.Hour, time.Hour)
	m.sweepOnce(ctx)

	left, err := cache.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fp-live", left[0].Fingerprint)
}

func TestNewMaintenanceGuards(t *testing.T) {
	assert.Nil(t, NewMaintenance(nil, nil, time.Hour, time.Hour))

	m := NewMaintenance(memory.NewJobStore(), nil, 0, 0)
	require.NotNil(t, m)
	assert.Equal(t, time.Hour, m.jobTTL)
	assert.Equal(t, 5*time.Minute, m.interval)
}

func TestMaintenanceRunStopsOnCancel(t *testing.T) {
	jobs := memory.NewJobStore()
	m := NewMaintenance(jobs, nil, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
