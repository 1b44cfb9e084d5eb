package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// ReportRepo persists research reports and their search-index rows.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

const reportColumns = `id, query, params, content, created_at, metadata,
	rating, rating_comment, based_on_report_ids`

func scanReport(row pgx.Row) (domain.Report, error) {
	var rep domain.Report
	err := row.Scan(
		&rep.ID, &rep.Query, &rep.Params, &rep.Content, &rep.CreatedAt,
		&rep.Metadata, &rep.Rating, &rep.RatingComment, &rep.BasedOnReportIDs,
	)
	return rep, err
}

// Save inserts the report and its doc_index entry in one transaction, so a
// report is never visible without being searchable. Returns the report id.
func (r *ReportRepo) Save(ctx domain.Context, rep domain.Report, entry domain.DocEntry) (string, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Save")
	defer span.End()

	id := rep.ID
	if id == "" {
		id = uuid.New().String()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now().UTC()
	}
	if rep.BasedOnReportIDs == nil {
		rep.BasedOnReportIDs = []string{}
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", dbErr("report.save_begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO research_reports
		(id, query, params, content, created_at, metadata, based_on_report_ids)
	VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, rep.Query, rep.Params, rep.Content, rep.CreatedAt, rep.Metadata, rep.BasedOnReportIDs,
	)
	if err != nil {
		return "", dbErr("report.save", err)
	}

	entryID := entry.ID
	if entryID == "" {
		entryID = uuid.New().String()
	}
	_, err = tx.Exec(ctx, `INSERT INTO doc_index
		(id, source_type, source_id, title, content, embedding, tokens, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entryID, domain.DocSourceReport, id, entry.Title, entry.Content,
		vecOrNil(entry.Embedding), entry.Tokens, rep.CreatedAt,
	)
	if err != nil {
		return "", dbErr("report.save_index", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", dbErr("report.save_commit", err)
	}
	return id, nil
}

// Get loads a report by id.
func (r *ReportRepo) Get(ctx domain.Context, id string) (domain.Report, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Get")
	defer span.End()
	q := `SELECT ` + reportColumns + ` FROM research_reports WHERE id=$1`
	rep, err := scanReport(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Report{}, dbErr("report.get", err)
	}
	return rep, nil
}

// ListRecent returns the newest reports first.
func (r *ReportRepo) ListRecent(ctx domain.Context, limit int) ([]domain.Report, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.ListRecent")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + reportColumns + ` FROM research_reports ORDER BY created_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, dbErr("report.list_recent", err)
	}
	defer rows.Close()
	var out []domain.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, dbErr("report.list_recent_scan", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("report.list_recent_rows", err)
	}
	return out, nil
}

// AddFeedback records a rating on a report. Re-rating overwrites.
func (r *ReportRepo) AddFeedback(ctx domain.Context, id string, rating int, comment string) error {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.AddFeedback")
	defer span.End()
	q := `UPDATE research_reports SET rating=$2, rating_comment=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, rating, comment)
	if err != nil {
		return dbErr("report.add_feedback", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=report.add_feedback: %w", domain.ErrNotFound)
	}
	return nil
}

// FindBySimilarity returns reports whose index embedding is close to the
// query, best first, filtered to at least minSim. The ORDER BY keeps the
// cosine operator on the bare column so the ANN index applies.
func (r *ReportRepo) FindBySimilarity(ctx domain.Context, embedding []float32, k int, minSim float64) ([]domain.ReportMatch, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.FindBySimilarity")
	defer span.End()
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}
	q := `SELECT r.id, r.query, r.params, r.content, r.created_at, r.metadata,
		r.rating, r.rating_comment, r.based_on_report_ids,
		1 - (d.embedding <=> $1) AS sim
	FROM doc_index d
	JOIN research_reports r ON r.id = d.source_id
	WHERE d.source_type = 'report' AND d.embedding IS NOT NULL
	ORDER BY d.embedding <=> $1
	LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, dbErr("report.find_similar", err)
	}
	defer rows.Close()
	var out []domain.ReportMatch
	for rows.Next() {
		var m domain.ReportMatch
		err := rows.Scan(
			&m.Report.ID, &m.Report.Query, &m.Report.Params, &m.Report.Content,
			&m.Report.CreatedAt, &m.Report.Metadata, &m.Report.Rating,
			&m.Report.RatingComment, &m.Report.BasedOnReportIDs, &m.Similarity,
		)
		if err != nil {
			return nil, dbErr("report.find_similar_scan", err)
		}
		if m.Similarity >= minSim {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("report.find_similar_rows", err)
	}
	return out, nil
}
