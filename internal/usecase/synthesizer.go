package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// SynthesisOutput is the merged report text plus accounting.
type SynthesisOutput struct {
	Content         string
	Model           string
	TokensGenerated int
	Usage           domain.ChatUsage
}

// Synthesizer streams the final report from the synthesis-tier models.
// Tier fallback happens only before the first delta; once tokens reached
// the consumer the stream is committed and errors become fatal.
type Synthesizer struct {
	cfg     config.Config
	tiers   config.TierCatalog
	gateway domain.AIGateway
}

// NewSynthesizer constructs a Synthesizer.
func NewSynthesizer(cfg config.Config, tiers config.TierCatalog, gateway domain.AIGateway) *Synthesizer {
	return &Synthesizer{cfg: cfg, tiers: tiers, gateway: gateway}
}

// Synthesize merges agent results into the final report, forwarding each
// delta to onChunk together with the running token total.
func (s *Synthesizer) Synthesize(ctx domain.Context, params domain.ResearchParams, results []domain.AgentResult, onChunk func(delta string, totalTokens int) error) (SynthesisOutput, error) {
	models := s.tiers.Models(config.RoleSynthesis, params.CostPreference)
	if len(models) == 0 {
		return SynthesisOutput{}, fmt.Errorf("op=usecase.Synthesize: no synthesis models configured: %w", domain.ErrInternal)
	}

	req := domain.ChatRequest{
		Messages:    s.messages(params, results),
		MaxTokens:   s.maxTokens(params),
		Temperature: 0.3,
	}

	var lastErr error
	for _, model := range models {
		req.Model = model
		delivered := false
		total := 0
		var acc strings.Builder

		resp, err := s.gateway.ChatStream(ctx, req, func(delta string) error {
			delivered = true
			acc.WriteString(delta)
			n := tokencount.Count(delta, model)
			total += n
			observability.SynthesisTokensTotal.Add(float64(n))
			return onChunk(delta, total)
		})
		if err != nil {
			lastErr = err
			if delivered || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) || errors.Is(err, domain.ErrTimeout) {
				return SynthesisOutput{}, fmt.Errorf("op=usecase.Synthesize: %w", err)
			}
			observability.AITierFallbacksTotal.WithLabelValues(string(config.RoleSynthesis)).Inc()
			slog.Warn("synthesis model failed before first token, trying next tier",
				slog.String("model", model),
				slog.Any("error", err))
			continue
		}

		content := resp.Content
		if content == "" {
			content = acc.String()
		}
		if strings.TrimSpace(content) == "" {
			lastErr = fmt.Errorf("op=usecase.Synthesize: empty synthesis from %s: %w", model, domain.ErrNoResults)
			observability.AITierFallbacksTotal.WithLabelValues(string(config.RoleSynthesis)).Inc()
			continue
		}
		usedModel := resp.Model
		if usedModel == "" {
			usedModel = model
		}
		return SynthesisOutput{
			Content:         content,
			Model:           usedModel,
			TokensGenerated: total,
			Usage:           resp.Usage,
		}, nil
	}
	return SynthesisOutput{}, fmt.Errorf("op=usecase.Synthesize: all synthesis models failed: %w", lastErr)
}

func (s *Synthesizer) maxTokens(params domain.ResearchParams) int {
	if params.MaxLength <= 0 {
		return 4096
	}
	// Roughly three characters per token leaves headroom under the
	// caller's character budget.
	t := params.MaxLength / 3
	if t < 256 {
		t = 256
	}
	if t > 8192 {
		t = 8192
	}
	return t
}

func (s *Synthesizer) messages(params domain.ResearchParams, results []domain.AgentResult) []domain.ChatMessage {
	var sys strings.Builder
	sys.WriteString("You are a research synthesis agent. Merge the agent findings into one coherent answer to the research request.\n")
	switch params.OutputFormat {
	case domain.FormatBriefing:
		sys.WriteString("Write an executive briefing: a short summary paragraph up front, then the key findings.\n")
	case domain.FormatBulletPoints:
		sys.WriteString("Write the entire answer as concise bullet points.\n")
	default:
		sys.WriteString("Write a full report with markdown section headings.\n")
	}
	switch params.AudienceLevel {
	case domain.AudienceBeginner:
		sys.WriteString("Assume no prior domain knowledge and explain terms on first use.\n")
	case domain.AudienceExpert:
		sys.WriteString("Assume deep domain expertise and skip the basics entirely.\n")
	default:
		sys.WriteString("Assume a technically literate reader.\n")
	}
	if params.IncludeSources {
		sys.WriteString("Keep the [Source: URL] citations from the findings where their material is used and close with a Sources section.\n")
	} else {
		sys.WriteString("Do not add a sources section.\n")
	}
	if params.MaxLength > 0 {
		fmt.Fprintf(&sys, "Keep the answer under roughly %d characters.\n", params.MaxLength)
	}
	sys.WriteString("Where findings contradict each other, reconcile the contradiction explicitly instead of silently picking one side.\n")

	var usr strings.Builder
	fmt.Fprintf(&usr, "Research request: %s\n\nAgent findings:\n", params.Query)
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(&usr, "\n[%s | %s]\n%s\n", r.AgentID, r.Model, textx.ClipForPrompt(r.Result, 8000))
		} else {
			fmt.Fprintf(&usr, "\n[%s | failed]\nNo findings: %s\n", r.AgentID, textx.Snippet(r.Err, 200))
		}
	}

	return []domain.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: usr.String()},
	}
}
