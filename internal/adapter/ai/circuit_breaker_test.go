package ai

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

type fakeGateway struct {
	chatErr  error
	embedErr error
	calls    int
}

func (f *fakeGateway) Chat(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	f.calls++
	if f.chatErr != nil {
		return domain.ChatResponse{}, f.chatErr
	}
	return domain.ChatResponse{Content: "ok", Model: req.Model}, nil
}

func (f *fakeGateway) ChatStream(ctx domain.Context, req domain.ChatRequest, onDelta func(string) error) (domain.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *fakeGateway) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return make([][]float32, len(texts)), nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeGateway{chatErr: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
	g := NewBreakerGateway(inner)
	req := domain.ChatRequest{Model: "m1"}

	for i := 0; i < defaultFailureThreshold; i++ {
		_, err := g.Chat(context.Background(), req)
		require.Error(t, err)
	}
	require.Equal(t, defaultFailureThreshold, inner.calls)

	// Circuit is open now; the inner gateway must not be reached.
	_, err := g.Chat(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, defaultFailureThreshold, inner.calls)
	assert.Equal(t, "open", g.Stats()["m1"].State)
}

func TestBreaker_PerModelIsolation(t *testing.T) {
	inner := &fakeGateway{chatErr: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
	g := NewBreakerGateway(inner)

	for i := 0; i < defaultFailureThreshold; i++ {
		_, _ = g.Chat(context.Background(), domain.ChatRequest{Model: "bad"})
	}
	inner.chatErr = nil
	resp, err := g.Chat(context.Background(), domain.ChatRequest{Model: "good"})
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Model)
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	inner := &fakeGateway{chatErr: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
	g := NewBreakerGateway(inner)
	g.recoveryTimeout = 10 * time.Millisecond
	req := domain.ChatRequest{Model: "m1"}

	for i := 0; i < defaultFailureThreshold; i++ {
		_, _ = g.Chat(context.Background(), req)
	}
	require.Equal(t, "open", g.Stats()["m1"].State)

	time.Sleep(20 * time.Millisecond)
	inner.chatErr = nil
	_, err := g.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "closed", g.Stats()["m1"].State)
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	inner := &fakeGateway{chatErr: fmt.Errorf("gone: %w", domain.ErrCancelled)}
	g := NewBreakerGateway(inner)
	req := domain.ChatRequest{Model: "m1"}

	for i := 0; i < defaultFailureThreshold+2; i++ {
		_, err := g.Chat(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, "closed", g.Stats()["m1"].State)
	assert.Equal(t, defaultFailureThreshold+2, inner.calls)
}

func TestBreaker_EmbedSharesOneBreaker(t *testing.T) {
	inner := &fakeGateway{embedErr: fmt.Errorf("boom: %w", domain.ErrProviderUnavailable)}
	g := NewBreakerGateway(inner)

	for i := 0; i < defaultFailureThreshold; i++ {
		_, _ = g.Embed(context.Background(), []string{"x"})
	}
	_, err := g.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, defaultFailureThreshold, inner.calls)
	assert.Equal(t, "open", g.Stats()[embedBreakerKey].State)
}
