// Package ai decorates the provider gateway with resilience and hygiene
// helpers shared by all agents.
package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// CircuitState represents the state of a per-model circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery with one request.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultRecoveryTimeout  = 30 * time.Second
	// embedBreakerKey groups all embedding calls under one breaker since the
	// embedding model is fixed per deployment.
	embedBreakerKey = "embeddings"
)

type circuitBreaker struct {
	mu               sync.Mutex
	model            string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	totalRequests    int
	totalFailures    int
}

func newCircuitBreaker(model string, threshold int, recovery time.Duration) *circuitBreaker {
	return &circuitBreaker{
		model:            model,
		failureThreshold: threshold,
		recoveryTimeout:  recovery,
		state:            CircuitClosed,
	}
}

// allow reports whether a request may proceed, moving an expired open
// circuit to half-open so exactly one probe goes through.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// A probe is already in flight; hold further traffic back.
		return false
	default:
		return false
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failureCount = 0
	if cb.state != CircuitClosed {
		slog.Info("circuit breaker closed after successful recovery",
			slog.String("model", cb.model))
		cb.state = CircuitClosed
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		if cb.state != CircuitOpen {
			slog.Warn("circuit breaker opened",
				slog.String("model", cb.model),
				slog.Int("failure_count", cb.failureCount),
				slog.Int("threshold", cb.failureThreshold))
		}
		cb.state = CircuitOpen
	}
}

func (cb *circuitBreaker) snapshot() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Model:         cb.model,
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
		LastFailure:   cb.lastFailureTime,
	}
}

// BreakerStats is the read-only view exposed on the ops surface.
type BreakerStats struct {
	Model         string    `json:"model"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	TotalRequests int       `json:"total_requests"`
	TotalFailures int       `json:"total_failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

// BreakerGateway wraps a gateway with one circuit breaker per model so a
// persistently failing model is skipped quickly and tier fallback moves on.
type BreakerGateway struct {
	inner domain.AIGateway

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	failureThreshold int
	recoveryTimeout  time.Duration
}

var _ domain.AIGateway = (*BreakerGateway)(nil)

// NewBreakerGateway wraps inner with per-model circuit breaking.
func NewBreakerGateway(inner domain.AIGateway) *BreakerGateway {
	return &BreakerGateway{
		inner:            inner,
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
	}
}

func (g *BreakerGateway) breakerFor(model string) *circuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[model]; ok {
		return cb
	}
	cb := newCircuitBreaker(model, g.failureThreshold, g.recoveryTimeout)
	g.breakers[model] = cb
	return cb
}

// countsAsFailure reports whether err should trip the breaker. Cancellation
// and downstream consumer errors say nothing about the model's health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return domain.IsRetryable(err) || errors.Is(err, domain.ErrProviderPermanent)
}

// Chat runs the request through the model's breaker.
func (g *BreakerGateway) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	cb := g.breakerFor(req.Model)
	if !cb.allow() {
		return domain.ChatResponse{}, fmt.Errorf("model %s circuit open: %w", req.Model, domain.ErrProviderUnavailable)
	}
	resp, err := g.inner.Chat(ctx, req)
	g.record(cb, err)
	return resp, err
}

// ChatStream runs the streaming request through the model's breaker.
func (g *BreakerGateway) ChatStream(ctx domain.Context, req domain.ChatRequest, onDelta func(delta string) error) (domain.ChatResponse, error) {
	cb := g.breakerFor(req.Model)
	if !cb.allow() {
		return domain.ChatResponse{}, fmt.Errorf("model %s circuit open: %w", req.Model, domain.ErrProviderUnavailable)
	}
	resp, err := g.inner.ChatStream(ctx, req, onDelta)
	g.record(cb, err)
	return resp, err
}

// Embed runs through the shared embeddings breaker.
func (g *BreakerGateway) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	cb := g.breakerFor(embedBreakerKey)
	if !cb.allow() {
		return nil, fmt.Errorf("embeddings circuit open: %w", domain.ErrProviderUnavailable)
	}
	vecs, err := g.inner.Embed(ctx, texts)
	g.record(cb, err)
	return vecs, err
}

func (g *BreakerGateway) record(cb *circuitBreaker, err error) {
	if err == nil {
		cb.recordSuccess()
		return
	}
	if countsAsFailure(err) {
		cb.recordFailure()
	}
}

// Stats returns a snapshot of every breaker, keyed by model.
func (g *BreakerGateway) Stats() map[string]BreakerStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]BreakerStats, len(g.breakers))
	for model, cb := range g.breakers {
		out[model] = cb.snapshot()
	}
	return out
}
