package usecase

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/bm25"
)

// Search scopes accepted from callers.
const (
	SearchScopeBoth    = "both"
	SearchScopeReports = "reports"
	SearchScopeDocs    = "docs"
)

const defaultSearchLimit = 10

// SearchService answers knowledge-base queries with hybrid retrieval:
// Postgres full-text recall re-scored with BM25, fused with pgvector
// cosine similarity. Embedding failure degrades to lexical-only.
type SearchService struct {
	Cfg     config.Config
	Docs    domain.DocIndexRepository
	Gateway domain.AIGateway
}

// NewSearchService constructs a SearchService.
func NewSearchService(cfg config.Config, docs domain.DocIndexRepository, gateway domain.AIGateway) SearchService {
	return SearchService{Cfg: cfg, Docs: docs, Gateway: gateway}
}

// Search returns the top fused hits for query within scope.
func (s SearchService) Search(ctx domain.Context, query string, limit int, scope string) ([]domain.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("op=usecase.Search: query required: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > 50 {
		limit = 50
	}
	repoScope, label, err := normalizeScope(scope)
	if err != nil {
		return nil, err
	}
	observability.SearchesTotal.WithLabelValues(label).Inc()

	// Recall more than requested so fusion has candidates that only one
	// retriever found.
	recall := limit * 3
	if recall < 20 {
		recall = 20
	}

	lexical, err := s.Docs.SearchLexical(ctx, query, recall, repoScope)
	if err != nil {
		return nil, err
	}

	var vector []domain.VectorHit
	if embs, eerr := s.Gateway.Embed(ctx, []string{query}); eerr != nil {
		slog.Warn("search embedding failed, lexical-only results", slog.Any("error", eerr))
	} else if len(embs) == 1 {
		vector, err = s.Docs.SearchVector(ctx, embs[0], recall, repoScope)
		if err != nil {
			return nil, err
		}
	}

	return s.fuse(ctx, query, lexical, vector, limit, repoScope), nil
}

// fuse merges both candidate sets under score = w*bm25 + (1-w)*cosine with
// per-set normalization into [0,1].
func (s SearchService) fuse(ctx domain.Context, query string, lexical []domain.DocEntry, vector []domain.VectorHit, limit int, scope string) []domain.SearchHit {
	hits := make(map[string]*domain.SearchHit, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))

	if len(lexical) > 0 {
		scorer := bm25.NewScorer(bm25.DefaultParams())
		for _, e := range lexical {
			scorer.Add(bm25.Tokenize(e.Content))
		}
		// IDF against the whole index, not just the recalled page.
		if docs, avgTokens, err := s.Docs.CorpusStats(ctx, scope); err == nil {
			scorer.SetCorpus(docs, avgTokens)
		}
		scores := bm25.Normalize(scorer.ScoreAll(bm25.Tokenize(query)))
		for i, e := range lexical {
			h := &domain.SearchHit{Entry: e, BM25: scores[i]}
			hits[e.ID] = h
			order = append(order, e.ID)
		}
	}

	for _, v := range vector {
		cos := v.Cosine
		if cos < 0 {
			cos = 0
		}
		if h, ok := hits[v.Entry.ID]; ok {
			h.Cosine = cos
			continue
		}
		hits[v.Entry.ID] = &domain.SearchHit{Entry: v.Entry, Cosine: cos}
		order = append(order, v.Entry.ID)
	}

	w := s.Cfg.SearchBM25Weight
	if w < 0 || w > 1 {
		w = 0.7
	}
	out := make([]domain.SearchHit, 0, len(order))
	for _, id := range order {
		h := hits[id]
		h.Score = w*h.BM25 + (1-w)*h.Cosine
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.CreatedAt.After(out[j].Entry.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// normalizeScope maps the caller-facing scope to the index source type and
// the metric label.
func normalizeScope(scope string) (repoScope, label string, err error) {
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case "", SearchScopeBoth:
		return "", SearchScopeBoth, nil
	case SearchScopeReports:
		return domain.DocSourceReport, SearchScopeReports, nil
	case SearchScopeDocs:
		return domain.DocSourceDoc, SearchScopeDocs, nil
	default:
		return "", "", fmt.Errorf("op=usecase.Search: scope must be reports, docs, or both: %w", domain.ErrInvalidArgument)
	}
}
