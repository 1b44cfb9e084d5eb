package postgres

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// CacheRepo snapshots semantic-cache entries so warm state survives
// restarts. The in-memory tier stays authoritative; writes here are
// best-effort from the cache's point of view.
type CacheRepo struct{ Pool PgxPool }

// NewCacheRepo constructs a CacheRepo with the given pool.
func NewCacheRepo(p PgxPool) *CacheRepo { return &CacheRepo{Pool: p} }

// Upsert inserts or refreshes an entry by fingerprint.
func (r *CacheRepo) Upsert(ctx domain.Context, e domain.CacheEntry) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.Upsert")
	defer span.End()
	var reportID any
	if e.ReportID != "" {
		reportID = e.ReportID
	}
	q := `INSERT INTO cache_entries (fingerprint, query_embedding, report_id, content, inserted_at, expires_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (fingerprint)
	DO UPDATE SET query_embedding=EXCLUDED.query_embedding, report_id=EXCLUDED.report_id,
		content=EXCLUDED.content, inserted_at=EXCLUDED.inserted_at, expires_at=EXCLUDED.expires_at`
	_, err := r.Pool.Exec(ctx, q, e.Fingerprint, vecOrNil(e.QueryEmbedding), reportID,
		e.Content, e.InsertedAt.UTC(), e.ExpiresAt.UTC())
	if err != nil {
		return dbErr("cache.upsert", err)
	}
	return nil
}

// ListRecent returns live entries, newest first, for warm loading.
func (r *CacheRepo) ListRecent(ctx domain.Context, limit int) ([]domain.CacheEntry, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.ListRecent")
	defer span.End()
	if limit <= 0 {
		limit = 256
	}
	q := `SELECT fingerprint, query_embedding, COALESCE(report_id::text, ''), content, inserted_at, expires_at
	FROM cache_entries WHERE expires_at > $1 ORDER BY inserted_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC(), limit)
	if err != nil {
		return nil, dbErr("cache.list_recent", err)
	}
	defer rows.Close()
	var out []domain.CacheEntry
	for rows.Next() {
		var e domain.CacheEntry
		var emb *pgvector.Vector
		if err := rows.Scan(&e.Fingerprint, &emb, &e.ReportID, &e.Content, &e.InsertedAt, &e.ExpiresAt); err != nil {
			return nil, dbErr("cache.list_recent_scan", err)
		}
		if emb != nil {
			e.QueryEmbedding = emb.Slice()
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("cache.list_recent_rows", err)
	}
	return out, nil
}

// DeleteExpired drops entries past their TTL at now.
func (r *CacheRepo) DeleteExpired(ctx domain.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.DeleteExpired")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, dbErr("cache.delete_expired", err)
	}
	return tag.RowsAffected(), nil
}
