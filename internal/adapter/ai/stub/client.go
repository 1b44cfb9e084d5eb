// Package stub provides a fast, deterministic AI gateway for local runs and
// tests. It is the default provider so the server boots without credentials.
package stub

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

const defaultDim = 8

// Client implements domain.AIGateway without any network calls. Responses
// are derived from the request so repeated runs are reproducible.
type Client struct {
	dim int
}

var _ domain.AIGateway = (*Client)(nil)

// New constructs a stub gateway emitting vectors of the given dimension.
func New(dim int) *Client {
	if dim <= 0 {
		dim = defaultDim
	}
	return &Client{dim: dim}
}

// Embed returns a normalized bag-of-tokens vector per text. Identical texts
// embed identically, overlapping texts land near each other.
func (c *Client) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, c.dim)
		for _, tok := range strings.Fields(strings.ToLower(t)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			v[int(h.Sum32())%c.dim]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range v {
				v[j] /= n
			}
		}
		res[i] = v
	}
	return res, nil
}

// Chat returns a canned completion. ForceJSON requests get a one-iteration
// research plan so the orchestrator runs end to end.
func (c *Client) Chat(_ domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	q := lastUserMessage(req.Messages)
	var content string
	if req.ForceJSON {
		plan := map[string]any{
			"subQueries": []map[string]any{
				{"agentId": "agent-1", "query": "background on " + q, "role": "general"},
				{"agentId": "agent-2", "query": "technical details of " + q, "role": "technical"},
			},
			"done": true,
		}
		b, err := json.Marshal(plan)
		if err != nil {
			return domain.ChatResponse{}, fmt.Errorf("stub plan: %w", err)
		}
		content = string(b)
	} else {
		content = "Findings on " + q + ": deterministic stub result. [Source: https://example.com/stub]"
	}
	return domain.ChatResponse{
		Content: content,
		Model:   "stub/" + req.Model,
		Usage: domain.ChatUsage{
			PromptTokens:     approxTokens(q),
			CompletionTokens: approxTokens(content),
		},
	}, nil
}

// ChatStream splits a canned report into word-sized deltas.
func (c *Client) ChatStream(ctx domain.Context, req domain.ChatRequest, onDelta func(delta string) error) (domain.ChatResponse, error) {
	q := lastUserMessage(req.Messages)
	report := "# Research Report\n\nSummary of findings on " + q + ".\n\n" +
		"The stub gateway produced this deterministic text. [Source: https://example.com/stub]\n"
	var acc strings.Builder
	for _, w := range strings.SplitAfter(report, " ") {
		select {
		case <-ctx.Done():
			return domain.ChatResponse{}, fmt.Errorf("stub stream: %w", domain.ErrCancelled)
		default:
		}
		acc.WriteString(w)
		if err := onDelta(w); err != nil {
			return domain.ChatResponse{}, fmt.Errorf("stub stream consumer: %w", err)
		}
	}
	return domain.ChatResponse{
		Content: acc.String(),
		Model:   "stub/" + req.Model,
		Usage: domain.ChatUsage{
			PromptTokens:     approxTokens(q),
			CompletionTokens: approxTokens(report),
		},
	}, nil
}

func lastUserMessage(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && msgs[i].Content != "" {
			return truncate(msgs[i].Content, 120)
		}
	}
	return "the request"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func approxTokens(s string) int {
	return len(strings.Fields(s))
}
