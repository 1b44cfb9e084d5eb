package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// maxAdmissionWait bounds how long a denied call sleeps for the bucket to
// refill before giving up with a rate-limit error.
const maxAdmissionWait = 2 * time.Second

// AdmissionGateway charges every provider call against a shared token
// bucket before it leaves the process. Chat calls are keyed per model,
// embeddings share one bucket.
type AdmissionGateway struct {
	inner   domain.AIGateway
	limiter Limiter
	maxWait time.Duration
}

var _ domain.AIGateway = (*AdmissionGateway)(nil)

// NewAdmissionGateway wraps inner with bucket admission. A nil limiter
// disables admission entirely.
func NewAdmissionGateway(inner domain.AIGateway, limiter Limiter) *AdmissionGateway {
	return &AdmissionGateway{inner: inner, limiter: limiter, maxWait: maxAdmissionWait}
}

func (g *AdmissionGateway) admit(ctx context.Context, key string) error {
	if g.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := g.limiter.Allow(ctx, key, 1)
	if err != nil || allowed {
		// Fail open on limiter errors; provider-side 429 handling remains.
		return nil
	}
	if retryAfter > 0 && retryAfter <= g.maxWait {
		t := time.NewTimer(retryAfter)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return admissionCtxErr(ctx)
		}
		allowed, retryAfter, err = g.limiter.Allow(ctx, key, 1)
		if err != nil || allowed {
			return nil
		}
	}
	return fmt.Errorf("admission denied for %s (retry in %s): %w",
		key, retryAfter.Round(time.Millisecond), domain.ErrProviderRateLimited)
}

func admissionCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("admission wait: %w", domain.ErrTimeout)
	}
	return fmt.Errorf("admission wait: %w", domain.ErrCancelled)
}

func (g *AdmissionGateway) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if err := g.admit(ctx, "chat:"+req.Model); err != nil {
		return domain.ChatResponse{}, err
	}
	return g.inner.Chat(ctx, req)
}

func (g *AdmissionGateway) ChatStream(ctx domain.Context, req domain.ChatRequest, onDelta func(delta string) error) (domain.ChatResponse, error) {
	if err := g.admit(ctx, "chat:"+req.Model); err != nil {
		return domain.ChatResponse{}, err
	}
	return g.inner.ChatStream(ctx, req, onDelta)
}

func (g *AdmissionGateway) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if err := g.admit(ctx, "embed"); err != nil {
		return nil, err
	}
	return g.inner.Embed(ctx, texts)
}
