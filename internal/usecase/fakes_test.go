package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		MaxIterations:        2,
		MaxConcurrency:       2,
		ExecutorQueueCap:     16,
		TaskTimeout:          5 * time.Second,
		JobHardTimeout:       time.Minute,
		CacheSimThreshold:    0.85,
		PastReportSimFloor:   0.70,
		PastReportTopK:       3,
		SearchBM25Weight:     0.7,
		EnsembleSize:         1,
		LeaseSeconds:         30,
		HeartbeatSeconds:     10,
		IdempotencyTTL:       24 * time.Hour,
		IdempotencyResubmits: 3,
		MaxAttachmentMB:      1,
		CacheMaxEntries:      16,
		CacheTTL:             time.Hour,
		RetryInitialDelay:    time.Millisecond,
		RetryMaxDelay:        5 * time.Millisecond,
		RetryMultiplier:      2.0,
		RetryJitter:          false,
		MaxAttempts:          3,
	}
}

func testCatalog() config.TierCatalog {
	return config.TierCatalog{
		Planning:  config.RoleTiers{Low: []string{"plan-low"}, High: []string{"plan-high"}},
		Research:  config.RoleTiers{Low: []string{"res-low"}, High: []string{"res-high"}},
		Synthesis: config.RoleTiers{Low: []string{"syn-low"}, High: []string{"syn-high"}},
		Vision:    config.RoleTiers{Low: []string{"vis-low"}},
	}
}

func testParams(query string) domain.ResearchParams {
	p := domain.ResearchParams{Query: query}
	p.Normalize()
	return p
}

// scriptedGateway lets each test script chat, stream, and embed behavior.
// Nil hooks fall back to benign defaults. Calls are recorded for
// assertions on model choice and message shape.
type scriptedGateway struct {
	mu          sync.Mutex
	chatFn      func(req domain.ChatRequest) (domain.ChatResponse, error)
	streamFn    func(req domain.ChatRequest, onDelta func(string) error) (domain.ChatResponse, error)
	embedFn     func(texts []string) ([][]float32, error)
	chatCalls   []domain.ChatRequest
	streamCalls []domain.ChatRequest
}

var _ domain.AIGateway = (*scriptedGateway)(nil)

func (g *scriptedGateway) Chat(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	g.mu.Lock()
	g.chatCalls = append(g.chatCalls, req)
	fn := g.chatFn
	g.mu.Unlock()
	if fn == nil {
		return domain.ChatResponse{Content: "answer from " + req.Model, Model: req.Model}, nil
	}
	return fn(req)
}

func (g *scriptedGateway) ChatStream(_ domain.Context, req domain.ChatRequest, onDelta func(string) error) (domain.ChatResponse, error) {
	g.mu.Lock()
	g.streamCalls = append(g.streamCalls, req)
	fn := g.streamFn
	g.mu.Unlock()
	if fn == nil {
		for _, d := range []string{"streamed ", "report"} {
			if err := onDelta(d); err != nil {
				return domain.ChatResponse{}, err
			}
		}
		return domain.ChatResponse{Content: "streamed report", Model: req.Model}, nil
	}
	return fn(req, onDelta)
}

func (g *scriptedGateway) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	fn := g.embedFn
	g.mu.Unlock()
	if fn == nil {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 0, 0}
		}
		return out, nil
	}
	return fn(texts)
}

func (g *scriptedGateway) chatModels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.chatCalls))
	for i, c := range g.chatCalls {
		out[i] = c.Model
	}
	return out
}

// recordingSink captures emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	failOn domain.EventType
	events []sinkEvent
}

type sinkEvent struct {
	JobID   string
	Type    domain.EventType
	Payload []byte
}

var _ domain.EventSink = (*recordingSink)(nil)

func (s *recordingSink) Emit(_ domain.Context, jobID string, t domain.EventType, payload any) error {
	raw, err := domain.MarshalEventPayload(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && t == s.failOn {
		return fmt.Errorf("op=test.sink: refused %s: %w", t, domain.ErrStorageTransient)
	}
	s.events = append(s.events, sinkEvent{JobID: jobID, Type: t, Payload: raw})
	return nil
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) count(t domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// inlineExecutor runs tasks synchronously, keeping researcher tests
// deterministic where parallelism is not under test.
type inlineExecutor struct{}

func (inlineExecutor) Do(ctx domain.Context, task func(domain.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return task(ctx)
}

// rejectingExecutor refuses every task with queue backpressure.
type rejectingExecutor struct{}

func (rejectingExecutor) Do(domain.Context, func(domain.Context) error) error {
	return fmt.Errorf("op=executor.Do: backlog at 0: %w", domain.ErrQueueFull)
}
