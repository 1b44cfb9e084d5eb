package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates or updates the schema. Statements are idempotent so both
// binaries can run this at boot without coordination. dim is the embedding
// width; changing it requires a reindex, so it is applied only on create.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		dim = 384
	}
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS jobs (
    id                     UUID PRIMARY KEY,
    type                   TEXT NOT NULL,
    params                 JSONB NOT NULL,
    status                 TEXT NOT NULL,
    progress               INT NOT NULL DEFAULT 0,
    progress_token         TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL,
    started_at             TIMESTAMPTZ,
    finished_at            TIMESTAMPTZ,
    run_after              TIMESTAMPTZ NOT NULL,
    lease_owner            TEXT NOT NULL DEFAULT '',
    lease_expires_at       TIMESTAMPTZ,
    heartbeat_at           TIMESTAMPTZ,
    attempts               INT NOT NULL DEFAULT 0,
    resubmits              INT NOT NULL DEFAULT 0,
    result                 JSONB,
    error                  TEXT NOT NULL DEFAULT '',
    retryable              BOOLEAN NOT NULL DEFAULT FALSE,
    idempotency_key        TEXT,
    idempotency_expires_at TIMESTAMPTZ,
    cancel_requested       BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_uq
    ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_claim_idx
    ON jobs (status, run_after, created_at);
CREATE INDEX IF NOT EXISTS jobs_lease_idx
    ON jobs (lease_expires_at) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS job_events (
    job_id  UUID NOT NULL,
    seq     BIGINT NOT NULL,
    type    TEXT NOT NULL,
    payload JSONB,
    ts      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS research_reports (
    id                  UUID PRIMARY KEY,
    query               TEXT NOT NULL,
    params              JSONB NOT NULL,
    content             TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    metadata            JSONB NOT NULL DEFAULT '{}',
    rating              INT,
    rating_comment      TEXT,
    based_on_report_ids UUID[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS research_reports_created_idx
    ON research_reports (created_at DESC);

CREATE TABLE IF NOT EXISTS doc_index (
    id          UUID PRIMARY KEY,
    source_type TEXT NOT NULL CHECK (source_type IN ('report', 'doc')),
    source_id   UUID,
    title       TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    content_tsv TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', left(content, 500000))) STORED,
    embedding   VECTOR(%d),
    tokens      INT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS doc_index_tsv_idx ON doc_index USING GIN (content_tsv);
CREATE INDEX IF NOT EXISTS doc_index_source_idx ON doc_index (source_type, source_id);

CREATE TABLE IF NOT EXISTS cache_entries (
    fingerprint     TEXT PRIMARY KEY,
    query_embedding VECTOR(%d),
    report_id       UUID,
    content         TEXT NOT NULL,
    inserted_at     TIMESTAMPTZ NOT NULL,
    expires_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS cache_entries_expires_idx ON cache_entries (expires_at);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    bucket_key  TEXT PRIMARY KEY,
    capacity    BIGINT NOT NULL,
    refill_rate DOUBLE PRECISION NOT NULL,
    tokens      DOUBLE PRECISION NOT NULL,
    last_refill TIMESTAMPTZ NOT NULL
);
`, dim, dim)

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.migrate: %w", err)
	}
	// ivfflat needs rows to pick centroids from; creating it up front with
	// default lists still beats a sequential scan once the corpus grows.
	vecIdx := `CREATE INDEX IF NOT EXISTS doc_index_embedding_idx
    ON doc_index USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`
	if _, err := pool.Exec(ctx, vecIdx); err != nil {
		return fmt.Errorf("op=postgres.migrate_vector_index: %w", err)
	}
	return nil
}
