package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

const researchSystemPrompt = "You are a focused research agent. Investigate the assigned question thoroughly and answer with specific, verifiable facts. When you draw on source material, cite it inline as [Source: URL]. State uncertainty explicitly instead of guessing."

// sourceRe matches the inline citation form research agents are told to use.
var sourceRe = regexp.MustCompile(`\[Source:\s*([^\]\s]+?)\s*\]`)

// Researcher fans sub-queries out through the bounded executor and walks
// each one down its model tier chain until a usable answer arrives.
type Researcher struct {
	cfg     config.Config
	tiers   config.TierCatalog
	gateway domain.AIGateway
	exec    domain.Executor
	refusal *ai.RefusalDetector
}

// NewResearcher constructs a Researcher.
func NewResearcher(cfg config.Config, tiers config.TierCatalog, gateway domain.AIGateway, exec domain.Executor) *Researcher {
	return &Researcher{cfg: cfg, tiers: tiers, gateway: gateway, exec: exec, refusal: ai.NewRefusalDetector()}
}

// Research runs every sub-query through the executor and returns one
// result per query in input order. Individual failures land in the result
// slice; only context termination or an event-log write failure aborts.
func (r *Researcher) Research(ctx domain.Context, jobID string, queries []domain.SubQuery, params domain.ResearchParams, sink domain.EventSink) ([]domain.AgentResult, error) {
	total := len(queries)
	results := make([]domain.AgentResult, total)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	var emitErr error

	for i, sq := range queries {
		wg.Add(1)
		go func(i int, sq domain.SubQuery) {
			defer wg.Done()

			outCh := make(chan domain.AgentResult, 1)
			err := r.exec.Do(ctx, func(tctx domain.Context) error {
				res, aerr := r.runSubQuery(tctx, sq, params)
				outCh <- res
				return aerr
			})
			var res domain.AgentResult
			select {
			case res = <-outCh:
			default:
				// The task never ran: queue full or context ended while
				// queued. Record why so the synthesizer sees the gap.
				res = domain.AgentResult{AgentID: sq.AgentID, Query: sq.Query, Err: singleLine(err)}
			}
			results[i] = res

			outcome := "ok"
			if !res.OK() {
				outcome = "error"
			}
			observability.SubQueriesTotal.WithLabelValues(outcome).Inc()

			mu.Lock()
			defer mu.Unlock()
			completed++
			if ctx.Err() != nil {
				return
			}
			if e := sink.Emit(ctx, jobID, domain.EventAgentProgress, domain.AgentProgressPayload{
				Current: completed,
				Total:   total,
				AgentID: sq.AgentID,
				OK:      res.OK(),
			}); e != nil && emitErr == nil {
				emitErr = e
			}
		}(i, sq)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, ctxErr(err)
	}
	if emitErr != nil {
		return results, emitErr
	}
	return results, nil
}

// runSubQuery walks the sub-query's model chain, collecting up to
// EnsembleSize answers. It returns the combined result and, when nothing
// usable arrived, the last error for the executor's window control.
func (r *Researcher) runSubQuery(ctx domain.Context, sq domain.SubQuery, params domain.ResearchParams) (domain.AgentResult, error) {
	res := domain.AgentResult{AgentID: sq.AgentID, Query: sq.Query}
	chain := r.modelChain(sq, params)
	if len(chain) == 0 {
		err := fmt.Errorf("op=usecase.Research: no models for role %q: %w", sq.Role, domain.ErrInternal)
		res.Err = singleLine(err)
		return res, err
	}

	ensemble := r.cfg.EnsembleSize
	if ensemble < 1 {
		ensemble = 1
	}
	if ensemble > 3 {
		ensemble = 3
	}

	var texts, used []string
	var lastErr error
	for _, model := range chain {
		if len(texts) >= ensemble {
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = ctxErr(err)
			break
		}
		resp, err := r.callModel(ctx, model, sq, params)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) {
				break
			}
			observability.AITierFallbacksTotal.WithLabelValues(r.roleLabel(sq)).Inc()
			slog.Warn("sub-query model failed, trying next tier",
				slog.String("agent_id", sq.AgentID),
				slog.String("model", model),
				slog.Any("error", err))
			continue
		}
		if r.refusal.IsRefusal(resp.Content) {
			lastErr = fmt.Errorf("op=usecase.Research: model %s refused: %w", model, domain.ErrProviderPermanent)
			observability.AITierFallbacksTotal.WithLabelValues(r.roleLabel(sq)).Inc()
			slog.Warn("sub-query answer refused, trying next tier",
				slog.String("agent_id", sq.AgentID),
				slog.String("model", model))
			continue
		}
		texts = append(texts, resp.Content)
		used = append(used, resp.Model)
	}

	if len(texts) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("op=usecase.Research: no answer from any model: %w", domain.ErrNoResults)
		}
		res.Err = singleLine(lastErr)
		return res, lastErr
	}
	res.Result = strings.Join(texts, "\n\n---\n\n")
	res.Model = strings.Join(used, ",")
	res.Sources = extractSources(res.Result)
	return res, nil
}

// modelChain resolves the tier chain for a sub-query. A planner-pinned
// model goes first; vision-role queries use the vision tiers and fall back
// to the research tiers when none are configured.
func (r *Researcher) modelChain(sq domain.SubQuery, params domain.ResearchParams) []string {
	role := config.RoleResearch
	if strings.EqualFold(sq.Role, "vision") {
		role = config.RoleVision
	}
	chain := r.tiers.Models(role, params.CostPreference)
	if len(chain) == 0 && role == config.RoleVision {
		slog.Warn("no vision models configured, using research tiers without images",
			slog.String("agent_id", sq.AgentID))
		chain = r.tiers.Models(config.RoleResearch, params.CostPreference)
	}
	if sq.Model == "" {
		return chain
	}
	out := make([]string, 0, len(chain)+1)
	out = append(out, sq.Model)
	for _, m := range chain {
		if m != sq.Model {
			out = append(out, m)
		}
	}
	return out
}

func (r *Researcher) roleLabel(sq domain.SubQuery) string {
	if strings.EqualFold(sq.Role, "vision") {
		return string(config.RoleVision)
	}
	return string(config.RoleResearch)
}

func (r *Researcher) callModel(ctx domain.Context, model string, sq domain.SubQuery, params domain.ResearchParams) (domain.ChatResponse, error) {
	user := domain.ChatMessage{Role: "user", Content: r.userPrompt(sq, params)}
	if len(params.Images) > 0 && r.visionCapable(model) {
		user.Images = params.Images
	}
	return r.gateway.Chat(ctx, domain.ChatRequest{
		Model:       model,
		Messages:    []domain.ChatMessage{{Role: "system", Content: researchSystemPrompt}, user},
		MaxTokens:   2000,
		Temperature: 0.4,
	})
}

// visionCapable reports whether the model appears in any vision tier.
// Images never go to models that cannot read them.
func (r *Researcher) visionCapable(model string) bool {
	for _, m := range r.tiers.Vision.Low {
		if m == model {
			return true
		}
	}
	for _, m := range r.tiers.Vision.High {
		if m == model {
			return true
		}
	}
	return false
}

func (r *Researcher) userPrompt(sq domain.SubQuery, params domain.ResearchParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research request: %s\n\n", params.Query)
	fmt.Fprintf(&b, "Your assigned sub-question: %s\n", sq.Query)
	if params.IncludeSources {
		b.WriteString("Cite every external claim as [Source: URL].\n")
	}
	for _, d := range params.TextDocuments {
		fmt.Fprintf(&b, "\nAttached document %q:\n%s\n", d.Name, textx.ClipForPrompt(d.Content, 4000))
	}
	for _, d := range params.StructuredData {
		fmt.Fprintf(&b, "\nAttached %s data %q:\n%s\n", d.Type, d.Name, textx.ClipForPrompt(d.Content, 2000))
	}
	return b.String()
}

// extractSources pulls distinct citation URLs in first-seen order.
func extractSources(text string) []string {
	matches := sourceRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		u := m[1]
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		if len(out) == 32 {
			break
		}
	}
	return out
}

// splitModels splits a comma-joined ensemble model list.
func splitModels(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
