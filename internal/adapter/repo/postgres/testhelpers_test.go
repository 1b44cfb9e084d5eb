package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRow implements pgx.Row.
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeRows implements pgx.Rows over a list of per-row scan functions.
type fakeRows struct {
	scans  []func(dest ...any) error
	idx    int
	rowErr error
}

func (r *fakeRows) Next() bool {
	if r.idx < len(r.scans) {
		r.idx++
		return true
	}
	return false
}
func (r *fakeRows) Scan(dest ...any) error                   { return r.scans[r.idx-1](dest...) }
func (r *fakeRows) Close()                                   {}
func (r *fakeRows) Err() error                               { return r.rowErr }
func (r *fakeRows) CommandTag() pgconn.CommandTag            { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                   { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                      { return nil }
func (r *fakeRows) Conn() *pgx.Conn                          { return nil }

// fakeTx implements pgx.Tx and records commit/rollback calls.
type fakeTx struct {
	exec       func(sql string, args []any) (pgconn.CommandTag, error)
	queryRow   func(sql string, args []any) pgx.Row
	commitErr  error
	committed  bool
	rolledBack bool
	execSQL    []string
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.exec != nil {
		return t.exec(sql, args)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{}, nil
}
func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRow != nil {
		return t.queryRow(sql, args)
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// fakePool implements postgres.PgxPool with function fields and records the
// SQL it saw.
type fakePool struct {
	exec     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRow func(sql string, args []any) pgx.Row
	query    func(sql string, args []any) (pgx.Rows, error)
	begin    func() (pgx.Tx, error)

	execSQL  []string
	execArgs [][]any
	lastSQL  string
	lastArgs []any
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	p.lastSQL, p.lastArgs = sql, args
	if p.exec != nil {
		return p.exec(sql, args)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	if p.queryRow != nil {
		return p.queryRow(sql, args)
	}
	return fakeRow{scan: func(...any) error { return errors.New("no row configured") }}
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	if p.query != nil {
		return p.query(sql, args)
	}
	return &fakeRows{}, nil
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.begin != nil {
		return p.begin()
	}
	return &fakeTx{}, nil
}
