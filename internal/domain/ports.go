package domain

import (
	"encoding/json"
	"time"
)

// Repositories (ports)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=ReportRepository --with-expecter --filename=report_repository_mock.go
//go:generate mockery --name=AIGateway --with-expecter --filename=ai_gateway_mock.go

// JobRepository persists jobs and enforces the lease and idempotency
// invariants. Implementations must make Lease a single atomic conditional
// update.
type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	// FindLiveByIdempotencyKey returns the job bound to key whose binding
	// has not expired at now. ErrNotFound when absent.
	FindLiveByIdempotencyKey(ctx Context, key string, now time.Time) (Job, error)
	ClearIdempotencyKey(ctx Context, id string) error
	// Lease atomically claims the oldest runnable job of one of the given
	// types: queued with run_after due, or running with an expired lease.
	// ErrNotFound when nothing is claimable.
	Lease(ctx Context, types []string, workerID string, leaseFor time.Duration) (Job, error)
	// Heartbeat extends the lease. ErrConflict when the caller no longer
	// owns the lease or the job is terminal.
	Heartbeat(ctx Context, id, workerID string, leaseFor time.Duration) error
	MarkCancelRequested(ctx Context, id string) error
	// SetStatus performs a guarded transition; ErrConflict when the job is
	// not in from.
	SetStatus(ctx Context, id string, from, to JobStatus) error
	// CompleteJob and FailJob finalize a job. Guarded on a non-terminal
	// current status.
	CompleteJob(ctx Context, id string, result json.RawMessage) error
	FailJob(ctx Context, id string, errMsg string, retryable bool) error
	MarkCancelled(ctx Context, id string) error
	// Requeue returns a running job to queued for a later attempt.
	Requeue(ctx Context, id string, runAfter time.Time) error
	// UpdateProgress raises progress monotonically; lower values are kept.
	UpdateProgress(ctx Context, id string, progress int) error
	IsCancelRequested(ctx Context, id string) (bool, error)
	// RequeueExpiredLeases returns running jobs with lapsed leases to the
	// queue so stats reflect reality between worker polls.
	RequeueExpiredLeases(ctx Context, now time.Time) (int64, error)
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
	ClearExpiredIdempotencyKeys(ctx Context, now time.Time) (int64, error)
	Stats(ctx Context) (JobStats, error)
}

// JobEventRepository is the append-only per-job event log.
type JobEventRepository interface {
	// Append assigns the next gapless seq for the job and stores the event.
	Append(ctx Context, jobID string, t EventType, payload any) (JobEvent, error)
	List(ctx Context, jobID string, sinceSeq int64, limit int) ([]JobEvent, error)
	DeleteByJobID(ctx Context, jobID string) error
}

// ReportRepository owns report rows and their doc_index entries.
type ReportRepository interface {
	// Save inserts the report and its index entry in one transaction.
	Save(ctx Context, r Report, entry DocEntry) (string, error)
	Get(ctx Context, id string) (Report, error)
	ListRecent(ctx Context, limit int) ([]Report, error)
	AddFeedback(ctx Context, id string, rating int, comment string) error
	// FindBySimilarity returns reports whose embedding cosine similarity to
	// the query is at least minSim, best first.
	FindBySimilarity(ctx Context, embedding []float32, k int, minSim float64) ([]ReportMatch, error)
}

// DocIndexRepository serves hybrid-search candidate recall.
type DocIndexRepository interface {
	Add(ctx Context, e DocEntry) (string, error)
	// SearchLexical returns full-text candidates for BM25 re-scoring.
	// scope is report, doc, or empty for both.
	SearchLexical(ctx Context, query string, k int, scope string) ([]DocEntry, error)
	SearchVector(ctx Context, embedding []float32, k int, scope string) ([]VectorHit, error)
	CorpusStats(ctx Context, scope string) (docs int, avgTokens float64, err error)
}

// CacheRepository persists semantic-cache entries across restarts.
type CacheRepository interface {
	Upsert(ctx Context, e CacheEntry) error
	ListRecent(ctx Context, limit int) ([]CacheEntry, error)
	DeleteExpired(ctx Context, now time.Time) (int64, error)
}

// AI gateway (port)

type ChatMessage struct {
	Role    string
	Content string
	// Images carries attachment URLs for vision-capable models; non-vision
	// models receive text only.
	Images []ImageAttachment
}

type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	// Seed, when set, is passed through to the provider for deterministic
	// sampling.
	Seed *int64
	// ForceJSON asks the provider for a JSON object response.
	ForceJSON bool
}

type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
}

type ChatResponse struct {
	Content string
	Model   string
	Usage   ChatUsage
}

// AIGateway is the uniform surface over external chat and embedding
// providers. It knows nothing about jobs, plans, or reports.
type AIGateway interface {
	Chat(ctx Context, req ChatRequest) (ChatResponse, error)
	// ChatStream delivers text deltas to onDelta as they arrive and returns
	// the accumulated response. onDelta errors abort the stream.
	ChatStream(ctx Context, req ChatRequest, onDelta func(delta string) error) (ChatResponse, error)
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// SemanticCache is the two-tier response cache consulted before planning.
type SemanticCache interface {
	GetExact(ctx Context, fingerprint string) (CacheEntry, bool)
	// GetSimilar returns the nearest live entry with cosine similarity at
	// or above the configured threshold.
	GetSimilar(ctx Context, embedding []float32) (CacheEntry, float64, bool)
	Put(ctx Context, e CacheEntry)
}

// Executor bounds and adapts research parallelism.
type Executor interface {
	// Do enqueues the task FIFO and blocks until it ran or ctx ended.
	// ErrQueueFull surfaces backpressure to the caller.
	Do(ctx Context, task func(Context) error) error
}

// EventSink receives orchestrator events; the job manager implements it.
type EventSink interface {
	Emit(ctx Context, jobID string, t EventType, payload any) error
}

// DispatchNotifier wakes workers when work arrives. Implementations must be
// best-effort; job durability never depends on them.
type DispatchNotifier interface {
	NotifySubmitted(ctx Context, jobID string) error
}

// ProgressNotifier forwards progress to a transport-supplied progress token.
type ProgressNotifier interface {
	NotifyProgress(ctx Context, token, jobID string, p ProgressPayload)
}
