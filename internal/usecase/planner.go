package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// maxSubQueries caps one planning round regardless of what the model asks
// for. The executor queue and the provider budget both size against it.
const maxSubQueries = 8

// planInput is everything one planning round sees.
type planInput struct {
	Params      domain.ResearchParams
	PastContext []string
	Previous    []domain.AgentResult
	Iteration   int
}

// plan is the structured output contract with the planning model.
type plan struct {
	SubQueries []domain.SubQuery `json:"subQueries"`
	Done       bool              `json:"done"`
}

// Planner turns a research request into sub-queries via one structured
// chat call, with a single stricter retry when the output fails to parse.
type Planner struct {
	gateway domain.AIGateway
	tiers   config.TierCatalog
	cleaner *ai.ResponseCleaner
}

// NewPlanner constructs a Planner.
func NewPlanner(gateway domain.AIGateway, tiers config.TierCatalog) *Planner {
	return &Planner{gateway: gateway, tiers: tiers, cleaner: ai.NewResponseCleaner()}
}

// Plan asks the planning model to decompose or refine. A parse failure is
// retried once with a stricter instruction; a second one is fatal for the
// iteration. Provider errors surface unchanged so the caller can map them
// to the job retry budget.
func (p *Planner) Plan(ctx domain.Context, in planInput) (plan, error) {
	models := p.tiers.Models(config.RolePlanning, in.Params.CostPreference)
	if len(models) == 0 {
		return plan{}, fmt.Errorf("op=usecase.Plan: no planning models configured: %w", domain.ErrInternal)
	}
	model := models[0]

	out, err := p.attempt(ctx, model, in, false)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, domain.ErrPlanParse) {
		return plan{}, err
	}

	slog.Warn("plan output unparsable, retrying with stricter prompt",
		slog.String("model", model),
		slog.Int("iteration", in.Iteration))
	out, err = p.attempt(ctx, model, in, true)
	if err != nil {
		if errors.Is(err, domain.ErrPlanParse) {
			return plan{}, fmt.Errorf("op=usecase.Plan: output unparsable after strict retry: %w", domain.ErrPlanParse)
		}
		return plan{}, err
	}
	return out, nil
}

func (p *Planner) attempt(ctx domain.Context, model string, in planInput, strict bool) (plan, error) {
	resp, err := p.gateway.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    p.messages(in, strict),
		MaxTokens:   1200,
		Temperature: 0.2,
		ForceJSON:   true,
	})
	if err != nil {
		return plan{}, fmt.Errorf("op=usecase.Plan: %w", err)
	}
	cleaned, err := p.cleaner.CleanAndValidateJSON(resp.Content)
	if err != nil {
		return plan{}, fmt.Errorf("op=usecase.Plan: clean output: %v: %w", err, domain.ErrPlanParse)
	}
	var out plan
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return plan{}, fmt.Errorf("op=usecase.Plan: decode output: %v: %w", err, domain.ErrPlanParse)
	}
	out.SubQueries = normalizeSubQueries(out.SubQueries, in.Iteration)
	return out, nil
}

func (p *Planner) messages(in planInput, strict bool) []domain.ChatMessage {
	var sys strings.Builder
	sys.WriteString("You are a research planning agent. Decompose the research request into focused sub-queries that independent agents answer in parallel.\n")
	sys.WriteString(`Respond with a single JSON object of the shape {"subQueries":[{"agentId":"...","query":"...","role":"general|technical|vision"}],"done":false}.` + "\n")
	fmt.Fprintf(&sys, "Emit between 1 and %d sub-queries. Use role \"vision\" only for sub-queries that must inspect the attached images. Set done=true when another refinement round would not improve coverage.\n", maxSubQueries)
	if strict {
		sys.WriteString("Return ONLY the JSON object. No prose, no markdown fences, no trailing commentary.\n")
	}

	var usr strings.Builder
	fmt.Fprintf(&usr, "Research request: %s\n", in.Params.Query)
	fmt.Fprintf(&usr, "Audience: %s. Output format: %s.\n", in.Params.AudienceLevel, in.Params.OutputFormat)
	if n := len(in.Params.Images); n > 0 {
		fmt.Fprintf(&usr, "The request includes %d image attachment(s).\n", n)
	}
	if len(in.Params.TextDocuments) > 0 {
		names := make([]string, 0, len(in.Params.TextDocuments))
		for _, d := range in.Params.TextDocuments {
			names = append(names, d.Name)
		}
		fmt.Fprintf(&usr, "Attached documents: %s.\n", strings.Join(names, ", "))
	}
	if len(in.Params.StructuredData) > 0 {
		names := make([]string, 0, len(in.Params.StructuredData))
		for _, d := range in.Params.StructuredData {
			names = append(names, fmt.Sprintf("%s (%s)", d.Name, d.Type))
		}
		fmt.Fprintf(&usr, "Attached structured data: %s.\n", strings.Join(names, ", "))
	}
	if len(in.PastContext) > 0 {
		usr.WriteString("\nExcerpts from prior related reports, build on them instead of repeating them:\n")
		for _, c := range in.PastContext {
			fmt.Fprintf(&usr, "- %s\n", textx.CollapseWhitespace(c))
		}
	}
	if in.Iteration > 1 {
		fmt.Fprintf(&usr, "\nThis is refinement round %d. Findings so far:\n", in.Iteration)
		for _, r := range in.Previous {
			if r.OK() {
				fmt.Fprintf(&usr, "[%s] %s\n", r.AgentID, textx.Snippet(r.Result, 500))
			} else {
				fmt.Fprintf(&usr, "[%s] FAILED: %s\n", r.AgentID, textx.Snippet(r.Err, 200))
			}
		}
		usr.WriteString("Identify the remaining gaps and emit sub-queries covering only those gaps. If coverage is complete, return an empty subQueries array with done=true.\n")
	}

	return []domain.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: usr.String()},
	}
}

// normalizeSubQueries trims queries, drops empties, caps the count, fills
// missing agent ids, and namespaces ids by iteration so they stay unique
// across the whole job.
func normalizeSubQueries(qs []domain.SubQuery, iteration int) []domain.SubQuery {
	out := make([]domain.SubQuery, 0, len(qs))
	seen := make(map[string]int)
	for i, sq := range qs {
		sq.Query = strings.TrimSpace(sq.Query)
		if sq.Query == "" {
			continue
		}
		sq.AgentID = strings.TrimSpace(sq.AgentID)
		if sq.AgentID == "" {
			sq.AgentID = fmt.Sprintf("agent-%d-%d", iteration, i+1)
		} else if iteration > 1 {
			sq.AgentID = fmt.Sprintf("i%d-%s", iteration, sq.AgentID)
		}
		if n := seen[sq.AgentID]; n > 0 {
			sq.AgentID = fmt.Sprintf("%s-%d", sq.AgentID, n+1)
		}
		seen[sq.AgentID]++
		out = append(out, sq)
		if len(out) == maxSubQueries {
			break
		}
	}
	return out
}
