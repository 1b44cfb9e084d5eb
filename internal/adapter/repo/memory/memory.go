// Package memory implements the persistence ports on process-local state.
//
// It backs degraded mode when Postgres is not configured and keeps usecase
// tests fast. Semantics mirror the postgres package: atomic leases, guarded
// transitions, gapless event sequences.
package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// JobStore is the in-memory JobRepository.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	events *EventStore
}

// NewJobStore returns an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]domain.Job)}
}

// LinkEvents ties an EventStore to this store so DeleteTerminalBefore
// removes a job's event log together with the job, matching the
// postgres repository's transactional delete.
func (s *JobStore) LinkEvents(ev *EventStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = ev
}

func (s *JobStore) Create(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=job.create: id taken: %w", domain.ErrConflict)
	}
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
	if j.IdempotencyKey != nil {
		for _, other := range s.jobs {
			if other.IdempotencyKey != nil && *other.IdempotencyKey == *j.IdempotencyKey {
				return fmt.Errorf("op=job.create: idempotency key taken: %w", domain.ErrConflict)
			}
		}
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *JobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *JobStore) FindLiveByIdempotencyKey(_ domain.Context, key string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IdempotencyKey == nil || *j.IdempotencyKey != key {
			continue
		}
		if j.IdempotencyExpiresAt != nil && !j.IdempotencyExpiresAt.After(now) {
			continue
		}
		return j, nil
	}
	return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
}

func (s *JobStore) ClearIdempotencyKey(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.clear_idem: %w", domain.ErrNotFound)
	}
	j.IdempotencyKey = nil
	j.IdempotencyExpiresAt = nil
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

// Lease claims the oldest runnable job under the store lock, so exactly one
// caller wins even with concurrent workers.
func (s *JobStore) Lease(_ domain.Context, types []string, workerID string, leaseFor time.Duration) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var best *domain.Job
	bestQueued := false
	for id := range s.jobs {
		j := s.jobs[id]
		if !wanted[j.Type] {
			continue
		}
		queued := j.Status == domain.JobQueued && !j.RunAfter.After(now)
		expired := j.Status == domain.JobRunning && j.LeaseExpired(now)
		if !queued && !expired {
			continue
		}
		if best == nil ||
			(queued && !bestQueued) ||
			(queued == bestQueued && j.CreatedAt.Before(best.CreatedAt)) {
			cp := j
			best = &cp
			bestQueued = queued
		}
	}
	if best == nil {
		return domain.Job{}, fmt.Errorf("op=job.lease: %w", domain.ErrNotFound)
	}

	exp := now.Add(leaseFor)
	best.Status = domain.JobRunning
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = &exp
	hb := now
	best.HeartbeatAt = &hb
	if best.StartedAt == nil {
		st := now
		best.StartedAt = &st
	}
	best.Attempts++
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return *best, nil
}

func (s *JobStore) Heartbeat(_ domain.Context, id, workerID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.LeaseOwner != workerID ||
		(j.Status != domain.JobRunning && j.Status != domain.JobInputRequired) {
		return fmt.Errorf("op=job.heartbeat: lease lost: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	exp := now.Add(leaseFor)
	j.LeaseExpiresAt = &exp
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	s.jobs[id] = j
	return nil
}

func (s *JobStore) MarkCancelRequested(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.mark_cancel: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=job.mark_cancel: job terminal: %w", domain.ErrConflict)
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *JobStore) SetStatus(_ domain.Context, id string, from, to domain.JobStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("op=job.set_status: %s -> %s: %w", from, to, domain.ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.set_status: %w", domain.ErrNotFound)
	}
	if j.Status != from {
		return fmt.Errorf("op=job.set_status: not in %s: %w", from, domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.FinishedAt = &now
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
	}
	s.jobs[id] = j
	return nil
}

func (s *JobStore) CompleteJob(_ domain.Context, id string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobRunning {
		return fmt.Errorf("op=job.complete: not running: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobSucceeded
	j.Result = result
	j.Error = ""
	j.Retryable = false
	j.Progress = 100
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	s.jobs[id] = j
	return nil
}

func (s *JobStore) FailJob(_ domain.Context, id string, errMsg string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("op=job.fail: job terminal: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.Error = errMsg
	j.Retryable = retryable
	j.Result = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	s.jobs[id] = j
	return nil
}

func (s *JobStore) MarkCancelled(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return fmt.Errorf("op=job.cancel: job terminal: %w", domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.JobCancelled
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	s.jobs[id] = j
	return nil
}

func (s *JobStore) Requeue(_ domain.Context, id string, runAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobRunning {
		return fmt.Errorf("op=job.requeue: not running: %w", domain.ErrConflict)
	}
	j.Status = domain.JobQueued
	j.RunAfter = runAfter.UTC()
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *JobStore) UpdateProgress(_ domain.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update_progress: %w", domain.ErrNotFound)
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *JobStore) IsCancelRequested(_ domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("op=job.is_cancel_requested: %w", domain.ErrNotFound)
	}
	return j.CancelRequested, nil
}

func (s *JobStore) RequeueExpiredLeases(_ domain.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status == domain.JobRunning && j.LeaseExpired(now) {
			j.Status = domain.JobQueued
			j.LeaseOwner = ""
			j.LeaseExpiresAt = nil
			j.HeartbeatAt = nil
			j.UpdatedAt = now.UTC()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *JobStore) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			if s.events != nil {
				_ = s.events.DeleteByJobID(ctx, id)
			}
			n++
		}
	}
	return n, nil
}

func (s *JobStore) ClearExpiredIdempotencyKeys(_ domain.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.IdempotencyKey != nil && j.IdempotencyExpiresAt != nil && !j.IdempotencyExpiresAt.After(now) {
			j.IdempotencyKey = nil
			j.IdempotencyExpiresAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *JobStore) Stats(_ domain.Context) (domain.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.JobStats{ByStatus: map[domain.JobStatus]int{}}
	for _, j := range s.jobs {
		st.ByStatus[j.Status]++
		st.Total++
	}
	return st, nil
}

// EventStore is the in-memory JobEventRepository.
type EventStore struct {
	mu     sync.Mutex
	events map[string][]domain.JobEvent
}

// NewEventStore returns an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]domain.JobEvent)}
}

func (s *EventStore) Append(_ domain.Context, jobID string, t domain.EventType, payload any) (domain.JobEvent, error) {
	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return domain.JobEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := domain.JobEvent{
		JobID:   jobID,
		Seq:     int64(len(s.events[jobID]) + 1),
		Type:    t,
		Payload: raw,
		TS:      time.Now().UTC(),
	}
	s.events[jobID] = append(s.events[jobID], e)
	return e, nil
}

func (s *EventStore) List(_ domain.Context, jobID string, sinceSeq int64, limit int) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[jobID]
	i := sort.Search(len(all), func(i int) bool { return all[i].Seq > sinceSeq })
	out := all[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]domain.JobEvent, len(out))
	copy(cp, out)
	return cp, nil
}

func (s *EventStore) DeleteByJobID(_ domain.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, jobID)
	return nil
}
