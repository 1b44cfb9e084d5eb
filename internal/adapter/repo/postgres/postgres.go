// Package postgres implements the persistence ports on PostgreSQL.
//
// Jobs, their event logs, reports, the search index, and the semantic-cache
// snapshot all live here. The vector extension backs nearest-neighbor
// queries; full-text recall uses a generated tsvector column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// dbErr wraps a driver error with the operation name and maps the cases the
// domain taxonomy cares about: missing rows, unique violations, and the
// transient class worth retrying.
func dbErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("op=%s: constraint %s: %w", op, pgErr.ConstraintName, domain.ErrConflict)
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "53300" || strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("op=%s: %v: %w", op, err, domain.ErrStorageTransient)
		}
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// vecOrNil converts an embedding to a pgvector arg, keeping absent
// embeddings as SQL NULL.
func vecOrNil(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}
