package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/service/executor"
)

func newResearcher(gw domain.AIGateway, exec domain.Executor, mutate ...func(*config.Config)) *Researcher {
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewResearcher(cfg, testCatalog(), gw, exec)
}

func TestResearchEmitsOrderedAgentProgress(t *testing.T) {
	gw := &scriptedGateway{}
	pool := executor.New(executor.Config{InitialWorkers: 2, MaxWorkers: 2, QueueCap: 16})
	t.Cleanup(pool.Close)
	r := newResearcher(gw, pool)

	queries := []domain.SubQuery{
		{AgentID: "a1", Query: "first"},
		{AgentID: "a2", Query: "second"},
		{AgentID: "a3", Query: "third"},
	}
	sink := &recordingSink{}
	results, err := r.Research(context.Background(), "job-1", queries, testParams("parent question"), sink)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Results stay in input order regardless of completion order.
	assert.Equal(t, "a1", results[0].AgentID)
	assert.Equal(t, "a3", results[2].AgentID)
	for _, res := range results {
		assert.True(t, res.OK())
	}

	require.Equal(t, 3, sink.count(domain.EventAgentProgress))
	var currents []int
	for _, e := range sink.events {
		var p domain.AgentProgressPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Equal(t, 3, p.Total)
		currents = append(currents, p.Current)
	}
	assert.True(t, sort.IntsAreSorted(currents), "current counter must increase: %v", currents)
	assert.Equal(t, []int{1, 2, 3}, currents)
}

func TestResearchFallsBackToLowerTier(t *testing.T) {
	gw := &scriptedGateway{
		chatFn: func(req domain.ChatRequest) (domain.ChatResponse, error) {
			if req.Model == "res-high" {
				return domain.ChatResponse{}, fmt.Errorf("429: %w", domain.ErrProviderRateLimited)
			}
			return domain.ChatResponse{Content: "answer from fallback", Model: req.Model}, nil
		},
	}
	r := newResearcher(gw, inlineExecutor{})

	params := testParams("needs the good model")
	params.CostPreference = domain.CostHigh
	res, err := r.runSubQuery(context.Background(), domain.SubQuery{AgentID: "a1", Query: "q"}, params)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "res-low", res.Model)
	assert.Equal(t, []string{"res-high", "res-low"}, gw.chatModels())
}

func TestResearchTreatsRefusalAsFailure(t *testing.T) {
	gw := &scriptedGateway{
		chatFn: func(req domain.ChatRequest) (domain.ChatResponse, error) {
			if req.Model == "res-high" {
				return domain.ChatResponse{Content: "I'm sorry, but I cannot help with that request.", Model: req.Model}, nil
			}
			return domain.ChatResponse{Content: "a real answer", Model: req.Model}, nil
		},
	}
	r := newResearcher(gw, inlineExecutor{})

	params := testParams("touchy subject")
	params.CostPreference = domain.CostHigh
	res, err := r.runSubQuery(context.Background(), domain.SubQuery{AgentID: "a1", Query: "q"}, params)
	require.NoError(t, err)
	assert.Equal(t, "a real answer", res.Result)
	assert.Equal(t, "res-low", res.Model)
}

func TestResearchWholeChainFailing(t *testing.T) {
	gw := &scriptedGateway{
		chatFn: func(domain.ChatRequest) (domain.ChatResponse, error) {
			return domain.ChatResponse{}, fmt.Errorf("503: %w", domain.ErrProviderUnavailable)
		},
	}
	r := newResearcher(gw, inlineExecutor{})

	res, err := r.runSubQuery(context.Background(), domain.SubQuery{AgentID: "a1", Query: "q"}, testParams("doomed"))
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.False(t, res.OK())
	assert.NotEmpty(t, res.Err)
}

func TestResearchPinnedModelGoesFirst(t *testing.T) {
	gw := &scriptedGateway{}
	r := newResearcher(gw, inlineExecutor{})

	sq := domain.SubQuery{AgentID: "a1", Query: "q", Model: "special-model"}
	res, err := r.runSubQuery(context.Background(), sq, testParams("pinned"))
	require.NoError(t, err)
	assert.Equal(t, "special-model", res.Model)
	assert.Equal(t, []string{"special-model"}, gw.chatModels())
}

func TestResearchVisionRoleUsesVisionTier(t *testing.T) {
	gw := &scriptedGateway{}
	r := newResearcher(gw, inlineExecutor{})

	params := testParams("describe the image")
	params.Images = []domain.ImageAttachment{{URL: "https://example.com/p.png"}}
	sq := domain.SubQuery{AgentID: "a1", Query: "what does the chart show", Role: "vision"}

	res, err := r.runSubQuery(context.Background(), sq, params)
	require.NoError(t, err)
	assert.Equal(t, "vis-low", res.Model)
	require.Len(t, gw.chatCalls, 1)
	assert.NotEmpty(t, gw.chatCalls[0].Messages[1].Images, "vision-capable model must receive the images")
}

func TestResearchImagesStrippedFromTextModels(t *testing.T) {
	gw := &scriptedGateway{}
	r := newResearcher(gw, inlineExecutor{})

	params := testParams("question with incidental images")
	params.Images = []domain.ImageAttachment{{URL: "https://example.com/p.png"}}
	sq := domain.SubQuery{AgentID: "a1", Query: "plain text question", Role: "general"}

	_, err := r.runSubQuery(context.Background(), sq, params)
	require.NoError(t, err)
	require.Len(t, gw.chatCalls, 1)
	assert.Empty(t, gw.chatCalls[0].Messages[1].Images)
}

func TestResearchEnsembleCollectsMultipleAnswers(t *testing.T) {
	gw := &scriptedGateway{
		chatFn: func(req domain.ChatRequest) (domain.ChatResponse, error) {
			return domain.ChatResponse{Content: "answer from " + req.Model, Model: req.Model}, nil
		},
	}
	r := newResearcher(gw, inlineExecutor{}, func(c *config.Config) { c.EnsembleSize = 2 })

	params := testParams("ensemble question")
	params.CostPreference = domain.CostHigh
	res, err := r.runSubQuery(context.Background(), domain.SubQuery{AgentID: "a1", Query: "q"}, params)
	require.NoError(t, err)
	assert.Equal(t, "res-high,res-low", res.Model)
	assert.Contains(t, res.Result, "answer from res-high")
	assert.Contains(t, res.Result, "answer from res-low")
}

func TestResearchQueueFullRecordsFailure(t *testing.T) {
	gw := &scriptedGateway{}
	r := newResearcher(gw, rejectingExecutor{})

	sink := &recordingSink{}
	results, err := r.Research(context.Background(), "job-1",
		[]domain.SubQuery{{AgentID: "a1", Query: "q"}}, testParams("backpressure"), sink)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK())
	assert.Contains(t, results[0].Err, "backlog")
	assert.Equal(t, "a1", results[0].AgentID)
}

func TestResearchCancelledContext(t *testing.T) {
	gw := &scriptedGateway{}
	pool := executor.New(executor.Config{InitialWorkers: 1, MaxWorkers: 1, QueueCap: 4})
	t.Cleanup(pool.Close)
	r := newResearcher(gw, pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Research(ctx, "job-1",
		[]domain.SubQuery{{AgentID: "a1", Query: "q"}}, testParams("cancelled"), &recordingSink{})
	require.ErrorIs(t, err, domain.ErrCancelled)
}

func TestExtractSources(t *testing.T) {
	text := "Claim one. [Source: https://a.example/one] More text " +
		"[Source: https://b.example/two] and again [Source: https://a.example/one]."
	got := extractSources(text)
	assert.Equal(t, []string{"https://a.example/one", "https://b.example/two"}, got)
}

func TestExtractSourcesNone(t *testing.T) {
	assert.Nil(t, extractSources("no citations here"))
}

func TestSplitModels(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitModels("a, b"))
	assert.Nil(t, splitModels(""))
}
