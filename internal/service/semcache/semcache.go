// Package semcache implements the two-tier semantic response cache consulted
// before planning. Tier one matches the exact parameter fingerprint; tier two
// runs a nearest-neighbor scan over query embeddings and accepts the best
// entry at or above the similarity threshold.
package semcache

import (
	"container/list"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

// Options bound the cache.
type Options struct {
	// MaxEntries caps the in-memory entry count; least recently used
	// entries are evicted first.
	MaxEntries int
	// TTL is applied to entries inserted without an explicit expiry.
	TTL time.Duration
	// SimThreshold is the minimum cosine similarity for a tier-two hit.
	SimThreshold float64
}

func (o Options) withDefaults() Options {
	if o.MaxEntries < 1 {
		o.MaxEntries = 128
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SimThreshold <= 0 || o.SimThreshold > 1 {
		o.SimThreshold = 0.85
	}
	return o
}

// Cache is safe for concurrent use. A nil store disables persistence.
type Cache struct {
	opts  Options
	store domain.CacheRepository
	now   func() time.Time

	mu   sync.Mutex
	ll   *list.List // front is most recently used
	byFP map[string]*list.Element
}

var _ domain.SemanticCache = (*Cache)(nil)

// New builds an empty cache. store, when non-nil, receives write-through
// upserts so entries survive restarts.
func New(opts Options, store domain.CacheRepository) *Cache {
	return &Cache{
		opts:  opts.withDefaults(),
		store: store,
		now:   time.Now,
		ll:    list.New(),
		byFP:  make(map[string]*list.Element),
	}
}

// GetExact returns the live entry bound to fingerprint.
func (c *Cache) GetExact(_ domain.Context, fingerprint string) (domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byFP[fingerprint]
	if !ok {
		return domain.CacheEntry{}, false
	}
	e := el.Value.(domain.CacheEntry)
	if e.Expired(c.now()) {
		c.removeLocked(el)
		return domain.CacheEntry{}, false
	}
	c.ll.MoveToFront(el)
	observability.CacheLookupsTotal.WithLabelValues("hit_exact").Inc()
	return e, true
}

// GetSimilar returns the nearest live entry with cosine similarity at or
// above the threshold. It reports a miss metric when nothing qualifies,
// assuming callers probe the exact tier first.
func (c *Cache) GetSimilar(_ domain.Context, embedding []float32) (domain.CacheEntry, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var (
		best    *list.Element
		bestSim float64
	)
	var expired []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(domain.CacheEntry)
		if e.Expired(now) {
			expired = append(expired, el)
			continue
		}
		sim := Cosine(embedding, e.QueryEmbedding)
		if sim > bestSim {
			bestSim = sim
			best = el
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
	if best == nil || bestSim < c.opts.SimThreshold {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return domain.CacheEntry{}, 0, false
	}
	c.ll.MoveToFront(best)
	observability.CacheLookupsTotal.WithLabelValues("hit_semantic").Inc()
	return best.Value.(domain.CacheEntry), bestSim, true
}

// Put inserts or refreshes an entry and evicts from the LRU tail past
// capacity. The write-through upsert is best-effort.
func (c *Cache) Put(ctx domain.Context, e domain.CacheEntry) {
	if e.Fingerprint == "" {
		return
	}
	now := c.now()
	if e.InsertedAt.IsZero() {
		e.InsertedAt = now
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = now.Add(c.opts.TTL)
	}

	c.mu.Lock()
	if el, ok := c.byFP[e.Fingerprint]; ok {
		el.Value = e
		c.ll.MoveToFront(el)
	} else {
		c.byFP[e.Fingerprint] = c.ll.PushFront(e)
		for c.ll.Len() > c.opts.MaxEntries {
			c.removeLocked(c.ll.Back())
		}
	}
	observability.CacheEntries.Set(float64(c.ll.Len()))
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Upsert(ctx, e); err != nil {
			slog.Warn("cache write-through failed",
				slog.String("fingerprint", e.Fingerprint),
				slog.String("error", err.Error()))
		}
	}
}

// WarmLoad seeds the cache from persisted entries, newest first, skipping
// anything already expired. Intended for startup.
func (c *Cache) WarmLoad(ctx domain.Context) int {
	if c.store == nil {
		return 0
	}
	entries, err := c.store.ListRecent(ctx, c.opts.MaxEntries)
	if err != nil {
		slog.Warn("cache warm load failed", slog.String("error", err.Error()))
		return 0
	}
	now := c.now()
	loaded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	// ListRecent is newest-first; append to the back to keep that order.
	for _, e := range entries {
		if e.Fingerprint == "" || e.Expired(now) {
			continue
		}
		if _, ok := c.byFP[e.Fingerprint]; ok {
			continue
		}
		if c.ll.Len() >= c.opts.MaxEntries {
			break
		}
		c.byFP[e.Fingerprint] = c.ll.PushBack(e)
		loaded++
	}
	observability.CacheEntries.Set(float64(c.ll.Len()))
	return loaded
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := el.Value.(domain.CacheEntry)
	delete(c.byFP, e.Fingerprint)
	c.ll.Remove(el)
	observability.CacheEntries.Set(float64(c.ll.Len()))
}

// Cosine returns the cosine similarity of two vectors, zero when either is
// empty, zero-length, or of mismatched dimension.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
