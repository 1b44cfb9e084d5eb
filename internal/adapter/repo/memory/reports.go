package memory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/bm25"
)

// ReportStore is the in-memory ReportRepository. It shares the index store
// so Save stays atomic the way the postgres transaction is.
type ReportStore struct {
	mu      sync.Mutex
	reports map[string]domain.Report
	index   *DocIndexStore
}

// NewReportStore returns a ReportStore writing index rows into index.
func NewReportStore(index *DocIndexStore) *ReportStore {
	return &ReportStore{reports: make(map[string]domain.Report), index: index}
}

func (s *ReportStore) Save(ctx domain.Context, rep domain.Report, entry domain.DocEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now().UTC()
	}
	if rep.BasedOnReportIDs == nil {
		rep.BasedOnReportIDs = []string{}
	}
	entry.SourceType = domain.DocSourceReport
	entry.SourceID = rep.ID
	entry.CreatedAt = rep.CreatedAt
	if _, err := s.index.Add(ctx, entry); err != nil {
		return "", err
	}
	s.reports[rep.ID] = rep
	return rep.ID, nil
}

func (s *ReportStore) Get(_ domain.Context, id string) (domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[id]
	if !ok {
		return domain.Report{}, fmt.Errorf("op=report.get: %w", domain.ErrNotFound)
	}
	return rep, nil
}

func (s *ReportStore) ListRecent(_ domain.Context, limit int) ([]domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.Report, 0, len(s.reports))
	for _, rep := range s.reports {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReportStore) AddFeedback(_ domain.Context, id string, rating int, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[id]
	if !ok {
		return fmt.Errorf("op=report.add_feedback: %w", domain.ErrNotFound)
	}
	rep.Rating = &rating
	rep.RatingComment = &comment
	s.reports[id] = rep
	return nil
}

func (s *ReportStore) FindBySimilarity(ctx domain.Context, embedding []float32, k int, minSim float64) ([]domain.ReportMatch, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	hits, err := s.index.SearchVector(ctx, embedding, k, domain.DocSourceReport)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReportMatch
	for _, h := range hits {
		rep, ok := s.reports[h.Entry.SourceID]
		if !ok || h.Cosine < minSim {
			continue
		}
		out = append(out, domain.ReportMatch{Report: rep, Similarity: h.Cosine})
	}
	return out, nil
}

// DocIndexStore is the in-memory DocIndexRepository. Lexical recall ranks by
// query-token overlap; BM25 re-scoring happens in the search usecase either
// way, so recall only has to be generous, not precise.
type DocIndexStore struct {
	mu      sync.Mutex
	entries []domain.DocEntry
}

// NewDocIndexStore returns an empty DocIndexStore.
func NewDocIndexStore() *DocIndexStore {
	return &DocIndexStore{}
}

func (s *DocIndexStore) Add(_ domain.Context, e domain.DocEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// Same id replaces the entry, matching the Postgres upsert.
	for i := range s.entries {
		if s.entries[i].ID == e.ID {
			s.entries[i] = e
			return e.ID, nil
		}
	}
	s.entries = append(s.entries, e)
	return e.ID, nil
}

func (s *DocIndexStore) SearchLexical(_ domain.Context, query string, k int, scope string) ([]domain.DocEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k <= 0 {
		k = 20
	}
	qTokens := bm25.Tokenize(query)
	if len(qTokens) == 0 {
		return nil, nil
	}
	qSet := make(map[string]bool, len(qTokens))
	for _, t := range qTokens {
		qSet[t] = true
	}
	type scored struct {
		e domain.DocEntry
		n int
	}
	var cands []scored
	for _, e := range s.entries {
		if scope != "" && e.SourceType != scope {
			continue
		}
		n := 0
		seen := map[string]bool{}
		for _, t := range bm25.Tokenize(e.Title + " " + e.Content) {
			if qSet[t] && !seen[t] {
				seen[t] = true
				n++
			}
		}
		if n > 0 {
			cands = append(cands, scored{e: e, n: n})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].n > cands[j].n })
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]domain.DocEntry, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.e)
	}
	return out, nil
}

func (s *DocIndexStore) SearchVector(_ domain.Context, embedding []float32, k int, scope string) ([]domain.VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}
	var hits []domain.VectorHit
	for _, e := range s.entries {
		if scope != "" && e.SourceType != scope {
			continue
		}
		if len(e.Embedding) == 0 {
			continue
		}
		hits = append(hits, domain.VectorHit{Entry: e, Cosine: cosine32(embedding, e.Embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Cosine > hits[j].Cosine })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *DocIndexStore) CorpusStats(_ domain.Context, scope string) (int, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := 0
	total := 0
	for _, e := range s.entries {
		if scope != "" && e.SourceType != scope {
			continue
		}
		docs++
		total += e.Tokens
	}
	if docs == 0 {
		return 0, 0, nil
	}
	return docs, float64(total) / float64(docs), nil
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CacheStore is the in-memory CacheRepository.
type CacheStore struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
}

// NewCacheStore returns an empty CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[string]domain.CacheEntry)}
}

func (s *CacheStore) Upsert(_ domain.Context, e domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Fingerprint] = e
	return nil
}

func (s *CacheStore) ListRecent(_ domain.Context, limit int) ([]domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 256
	}
	now := time.Now().UTC()
	out := make([]domain.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Expired(now) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.After(out[j].InsertedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CacheStore) DeleteExpired(_ domain.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for fp, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, fp)
			n++
		}
	}
	return n, nil
}
