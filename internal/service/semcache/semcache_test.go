package semcache

import (
	"context"
	"testing"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

type fakeCacheStore struct {
	upserts []domain.CacheEntry
	recent  []domain.CacheEntry
}

func (f *fakeCacheStore) Upsert(_ domain.Context, e domain.CacheEntry) error {
	f.upserts = append(f.upserts, e)
	return nil
}

func (f *fakeCacheStore) ListRecent(_ domain.Context, _ int) ([]domain.CacheEntry, error) {
	return f.recent, nil
}

func (f *fakeCacheStore) DeleteExpired(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func entry(fp string, emb []float32) domain.CacheEntry {
	return domain.CacheEntry{Fingerprint: fp, QueryEmbedding: emb, ReportID: "r-" + fp, Content: "report " + fp}
}

func TestExactHitAndMiss(t *testing.T) {
	c := New(Options{MaxEntries: 4, TTL: time.Hour, SimThreshold: 0.9}, nil)
	ctx := context.Background()

	c.Put(ctx, entry("fp1", []float32{1, 0}))

	got, ok := c.GetExact(ctx, "fp1")
	if !ok || got.ReportID != "r-fp1" {
		t.Fatalf("expected exact hit, got ok=%v entry=%+v", ok, got)
	}
	if _, ok := c.GetExact(ctx, "nope"); ok {
		t.Fatalf("expected miss for unknown fingerprint")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Options{MaxEntries: 4, TTL: time.Minute, SimThreshold: 0.9}, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	ctx := context.Background()

	c.Put(ctx, entry("fp1", []float32{1, 0}))

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.GetExact(ctx, "fp1"); ok {
		t.Fatalf("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be removed lazily, len=%d", c.Len())
	}
}

func TestSimilarHitAboveThreshold(t *testing.T) {
	c := New(Options{MaxEntries: 4, TTL: time.Hour, SimThreshold: 0.85}, nil)
	ctx := context.Background()

	c.Put(ctx, entry("fpA", []float32{1, 0, 0}))
	c.Put(ctx, entry("fpB", []float32{0, 1, 0}))

	// Nearly parallel to fpA.
	got, sim, ok := c.GetSimilar(ctx, []float32{0.99, 0.05, 0})
	if !ok {
		t.Fatalf("expected similarity hit")
	}
	if got.Fingerprint != "fpA" {
		t.Fatalf("expected nearest entry fpA, got %s", got.Fingerprint)
	}
	if sim < 0.85 {
		t.Fatalf("similarity below threshold returned: %f", sim)
	}
}

func TestSimilarMissBelowThreshold(t *testing.T) {
	c := New(Options{MaxEntries: 4, TTL: time.Hour, SimThreshold: 0.95}, nil)
	ctx := context.Background()

	c.Put(ctx, entry("fpA", []float32{1, 0}))
	if _, _, ok := c.GetSimilar(ctx, []float32{0, 1}); ok {
		t.Fatalf("orthogonal vector must miss")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{MaxEntries: 2, TTL: time.Hour, SimThreshold: 0.9}, nil)
	ctx := context.Background()

	c.Put(ctx, entry("fp1", []float32{1, 0}))
	c.Put(ctx, entry("fp2", []float32{0, 1}))
	// Touch fp1 so fp2 becomes the LRU victim.
	if _, ok := c.GetExact(ctx, "fp1"); !ok {
		t.Fatalf("setup: fp1 should hit")
	}
	c.Put(ctx, entry("fp3", []float32{1, 1}))

	if _, ok := c.GetExact(ctx, "fp2"); ok {
		t.Fatalf("fp2 should have been evicted as least recently used")
	}
	if _, ok := c.GetExact(ctx, "fp1"); !ok {
		t.Fatalf("fp1 should have survived eviction")
	}
	if c.Len() != 2 {
		t.Fatalf("len=%d want 2", c.Len())
	}
}

func TestWriteThroughPersists(t *testing.T) {
	store := &fakeCacheStore{}
	c := New(Options{MaxEntries: 4, TTL: time.Hour, SimThreshold: 0.9}, store)

	c.Put(context.Background(), entry("fp1", []float32{1, 0}))
	if len(store.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(store.upserts))
	}
	if store.upserts[0].ExpiresAt.IsZero() {
		t.Fatalf("persisted entry must carry an expiry")
	}
}

func TestWarmLoadSkipsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	live := entry("live", []float32{1, 0})
	live.ExpiresAt = now.Add(time.Hour)
	dead := entry("dead", []float32{0, 1})
	dead.ExpiresAt = now.Add(-time.Hour)

	store := &fakeCacheStore{recent: []domain.CacheEntry{live, dead}}
	c := New(Options{MaxEntries: 4, TTL: time.Hour, SimThreshold: 0.9}, store)
	c.now = func() time.Time { return now }

	if loaded := c.WarmLoad(context.Background()); loaded != 1 {
		t.Fatalf("expected 1 loaded entry, got %d", loaded)
	}
	if _, ok := c.GetExact(context.Background(), "live"); !ok {
		t.Fatalf("live entry should be resident after warm load")
	}
	if _, ok := c.GetExact(context.Background(), "dead"); ok {
		t.Fatalf("expired entry must not be loaded")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors: %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("dimension mismatch must be 0: %f", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Fatalf("empty vectors must be 0: %f", got)
	}
}
