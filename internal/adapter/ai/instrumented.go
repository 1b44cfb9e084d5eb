package ai

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// InstrumentedGateway adds trace spans around every gateway call. Metrics
// are recorded by the underlying client per attempt; spans cover the whole
// call including retries.
type InstrumentedGateway struct {
	inner  domain.AIGateway
	tracer trace.Tracer
}

var _ domain.AIGateway = (*InstrumentedGateway)(nil)

// NewInstrumentedGateway wraps inner with tracing.
func NewInstrumentedGateway(inner domain.AIGateway) *InstrumentedGateway {
	return &InstrumentedGateway{
		inner:  inner,
		tracer: otel.Tracer("ai.gateway"),
	}
}

func (g *InstrumentedGateway) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	ctx, span := g.tracer.Start(ctx, "ai.chat",
		trace.WithAttributes(attribute.String("ai.model", req.Model)))
	defer span.End()

	resp, err := g.inner.Chat(ctx, req)
	finishSpan(span, resp, err)
	return resp, err
}

func (g *InstrumentedGateway) ChatStream(ctx domain.Context, req domain.ChatRequest, onDelta func(delta string) error) (domain.ChatResponse, error) {
	ctx, span := g.tracer.Start(ctx, "ai.chat_stream",
		trace.WithAttributes(attribute.String("ai.model", req.Model)))
	defer span.End()

	resp, err := g.inner.ChatStream(ctx, req, onDelta)
	finishSpan(span, resp, err)
	return resp, err
}

func (g *InstrumentedGateway) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	ctx, span := g.tracer.Start(ctx, "ai.embed",
		trace.WithAttributes(attribute.Int("ai.input_count", len(texts))))
	defer span.End()

	vecs, err := g.inner.Embed(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return vecs, err
}

func finishSpan(span trace.Span, resp domain.ChatResponse, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("ai.served_model", resp.Model),
		attribute.Int("ai.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("ai.completion_tokens", resp.Usage.CompletionTokens),
	)
}
