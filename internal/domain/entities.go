package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobType enumerates job types the manager accepts.
const (
	JobTypeResearch = "research"
)

type JobStatus string

const (
	JobQueued        JobStatus = "queued"
	JobRunning       JobStatus = "running"
	JobSucceeded     JobStatus = "succeeded"
	JobFailed        JobStatus = "failed"
	JobCancelled     JobStatus = "cancelled"
	JobInputRequired JobStatus = "input_required"
)

// Terminal reports whether the status is final. Terminal jobs carry exactly
// one of result or error.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// CanTransition validates the job state machine:
// queued -> running -> {succeeded|failed|cancelled}, running <-> input_required,
// running -> queued on retryable failure, queued -> cancelled directly.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobSucceeded || to == JobFailed || to == JobCancelled ||
			to == JobInputRequired || to == JobQueued
	case JobInputRequired:
		return to == JobRunning || to == JobCancelled
	default:
		return false
	}
}

// Job is the durable unit of asynchronous work.
// Invariants: at most one live lease (lease_expires_at > now); terminal
// status set exactly once; result xor error populated when terminal.
type Job struct {
	ID                   string
	Type                 string
	Params               json.RawMessage
	Status               JobStatus
	Progress             int
	ProgressToken        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	RunAfter             time.Time
	LeaseOwner           string
	LeaseExpiresAt       *time.Time
	HeartbeatAt          *time.Time
	Attempts             int
	Resubmits            int
	Result               json.RawMessage
	Error                string
	Retryable            bool
	IdempotencyKey       *string
	IdempotencyExpiresAt *time.Time
	CancelRequested      bool
}

// LeaseExpired reports whether the job's lease has lapsed at now.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now)
}

// ResearchResult is the result payload stored on a succeeded research job.
type ResearchResult struct {
	ReportID   string `json:"reportId"`
	DurationMs int64  `json:"durationMs"`
	Cached     bool   `json:"cached,omitempty"`
}

// Report is the persisted output of one research run. Immutable except the
// rating fields.
type Report struct {
	ID               string
	Query            string
	Params           ResearchParams
	Content          string
	CreatedAt        time.Time
	Metadata         ReportMetadata
	Rating           *int
	RatingComment    *string
	BasedOnReportIDs []string
}

type ReportMetadata struct {
	DurationMs          int64    `json:"durationMs"`
	Iterations          int      `json:"iterations"`
	SubQueries          int      `json:"subQueries"`
	FailedSubQueries    int      `json:"failedSubQueries,omitempty"`
	Models              []string `json:"models,omitempty"`
	TokensGenerated     int      `json:"tokensGenerated,omitempty"`
	AttachmentSummaries []string `json:"attachmentSummaries,omitempty"`
}

// DocSourceType enumerates doc_index entry origins.
const (
	DocSourceReport = "report"
	DocSourceDoc    = "doc"
)

// DocEntry is one row of the searchable index. Every report produces one;
// orphan entries are forbidden.
type DocEntry struct {
	ID         string
	SourceType string
	SourceID   string
	Title      string
	Content    string
	Embedding  []float32
	Tokens     int
	CreatedAt  time.Time
}

// CacheEntry is a semantic-cache record keyed by the parameter fingerprint.
type CacheEntry struct {
	Fingerprint    string
	QueryEmbedding []float32
	ReportID       string
	Content        string
	InsertedAt     time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// SubQuery is one planned research question. AgentID is unique within a job.
type SubQuery struct {
	AgentID string `json:"agentId"`
	Query   string `json:"query"`
	Role    string `json:"role,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentResult is the outcome of one sub-query. A failed sub-query carries
// Err and stays inside the ensemble; it is not a job-level error.
type AgentResult struct {
	AgentID string   `json:"agentId"`
	Query   string   `json:"query"`
	Model   string   `json:"model"`
	Result  string   `json:"result,omitempty"`
	Err     string   `json:"error,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// OK reports whether the sub-query produced usable output.
func (r AgentResult) OK() bool {
	return r.Err == "" && r.Result != ""
}

// ReportMatch pairs a report with its cosine similarity to a query embedding.
type ReportMatch struct {
	Report     Report
	Similarity float64
}

// SearchHit is one fused hybrid-search result.
type SearchHit struct {
	Entry  DocEntry
	Score  float64
	BM25   float64
	Cosine float64
}

// VectorHit is one raw nearest-neighbor hit before fusion.
type VectorHit struct {
	Entry  DocEntry
	Cosine float64
}

// JobStats aggregates job counts for the ops surface.
type JobStats struct {
	ByStatus map[JobStatus]int `json:"byStatus"`
	Total    int               `json:"total"`
}

// Context is an alias to keep domain signatures decoupled from the stdlib
// import at call sites; adapters and usecases pass context.Context through.
type Context = context.Context
