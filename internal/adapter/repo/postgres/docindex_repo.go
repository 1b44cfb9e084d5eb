package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// DocIndexRepo serves candidate recall for hybrid search. Lexical recall
// rides the generated tsvector column; vector recall uses pgvector cosine
// distance. BM25 re-scoring happens in the search usecase, not here.
type DocIndexRepo struct{ Pool PgxPool }

// NewDocIndexRepo constructs a DocIndexRepo with the given pool.
func NewDocIndexRepo(p PgxPool) *DocIndexRepo { return &DocIndexRepo{Pool: p} }

// Add stores a standalone index entry and returns its id (generates one if
// empty). A write with an existing id replaces that entry, so seeders can
// use deterministic ids and re-ingest safely. Report entries are written by
// ReportRepo.Save instead.
func (r *DocIndexRepo) Add(ctx domain.Context, e domain.DocEntry) (string, error) {
	tracer := otel.Tracer("repo.doc_index")
	ctx, span := tracer.Start(ctx, "doc_index.Add")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "doc_index"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var sourceID any
	if e.SourceID != "" {
		sourceID = e.SourceID
	}
	q := `INSERT INTO doc_index (id, source_type, source_id, title, content, embedding, tokens, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET
		source_type = EXCLUDED.source_type,
		source_id   = EXCLUDED.source_id,
		title       = EXCLUDED.title,
		content     = EXCLUDED.content,
		embedding   = EXCLUDED.embedding,
		tokens      = EXCLUDED.tokens`
	_, err := r.Pool.Exec(ctx, q, id, e.SourceType, sourceID, e.Title, e.Content,
		vecOrNil(e.Embedding), e.Tokens, e.CreatedAt)
	if err != nil {
		return "", dbErr("doc_index.add", err)
	}
	return id, nil
}

// SearchLexical returns full-text candidates ranked by ts_rank_cd. Entries
// come back without embeddings; the caller re-scores content with BM25.
func (r *DocIndexRepo) SearchLexical(ctx domain.Context, query string, k int, scope string) ([]domain.DocEntry, error) {
	tracer := otel.Tracer("repo.doc_index")
	ctx, span := tracer.Start(ctx, "doc_index.SearchLexical")
	defer span.End()
	if k <= 0 {
		k = 20
	}
	q := `SELECT id, source_type, COALESCE(source_id::text, ''), title, content, tokens, created_at
	FROM doc_index
	WHERE content_tsv @@ websearch_to_tsquery('english', $1)`
	args := []any{query, k}
	if scope != "" {
		q += ` AND source_type = $3`
		args = append(args, scope)
	}
	q += ` ORDER BY ts_rank_cd(content_tsv, websearch_to_tsquery('english', $1)) DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, dbErr("doc_index.search_lexical", err)
	}
	defer rows.Close()
	var out []domain.DocEntry
	for rows.Next() {
		var e domain.DocEntry
		if err := rows.Scan(&e.ID, &e.SourceType, &e.SourceID, &e.Title, &e.Content, &e.Tokens, &e.CreatedAt); err != nil {
			return nil, dbErr("doc_index.search_lexical_scan", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("doc_index.search_lexical_rows", err)
	}
	return out, nil
}

// SearchVector returns the nearest entries by cosine similarity.
func (r *DocIndexRepo) SearchVector(ctx domain.Context, embedding []float32, k int, scope string) ([]domain.VectorHit, error) {
	tracer := otel.Tracer("repo.doc_index")
	ctx, span := tracer.Start(ctx, "doc_index.SearchVector")
	defer span.End()
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}
	q := `SELECT id, source_type, COALESCE(source_id::text, ''), title, content, tokens, created_at,
		1 - (embedding <=> $1) AS cosine
	FROM doc_index
	WHERE embedding IS NOT NULL`
	args := []any{pgvector.NewVector(embedding), k}
	if scope != "" {
		q += ` AND source_type = $3`
		args = append(args, scope)
	}
	q += ` ORDER BY embedding <=> $1 LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, dbErr("doc_index.search_vector", err)
	}
	defer rows.Close()
	var out []domain.VectorHit
	for rows.Next() {
		var h domain.VectorHit
		err := rows.Scan(&h.Entry.ID, &h.Entry.SourceType, &h.Entry.SourceID,
			&h.Entry.Title, &h.Entry.Content, &h.Entry.Tokens, &h.Entry.CreatedAt, &h.Cosine)
		if err != nil {
			return nil, dbErr("doc_index.search_vector_scan", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("doc_index.search_vector_rows", err)
	}
	return out, nil
}

// CorpusStats returns document count and mean token length for BM25.
func (r *DocIndexRepo) CorpusStats(ctx domain.Context, scope string) (int, float64, error) {
	tracer := otel.Tracer("repo.doc_index")
	ctx, span := tracer.Start(ctx, "doc_index.CorpusStats")
	defer span.End()
	q := `SELECT COUNT(*), COALESCE(AVG(tokens), 0) FROM doc_index`
	args := []any{}
	if scope != "" {
		q += ` WHERE source_type = $1`
		args = append(args, scope)
	}
	var docs int
	var avg float64
	if err := r.Pool.QueryRow(ctx, q, args...).Scan(&docs, &avg); err != nil {
		return 0, 0, dbErr("doc_index.corpus_stats", err)
	}
	return docs, avg, nil
}
