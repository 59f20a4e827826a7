package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ctrlai/tally/internal/history"
)

// txn implements history.Tx (and therefore history.Reader) on a *sql.Tx.
type txn struct {
	tx          *sql.Tx
	d           dialect
	afterCommit []func()
}

var _ history.Tx = (*txn)(nil)

func (t *txn) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *txn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *txn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *txn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// insertReturningID runs an INSERT ... RETURNING id. A unique violation is
// reported as history.ErrConflict.
func (t *txn) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := t.queryRow(ctx, query, args...).Scan(&id); err != nil {
		if t.d.isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %v", history.ErrConflict, err)
		}
		return 0, err
	}
	return id, nil
}

// execAffecting runs a statement that must touch at least one row.
func (t *txn) execAffecting(ctx context.Context, what string, query string, args ...any) error {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		if t.d.isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", history.ErrConflict, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", history.ErrNotFound, what)
	}
	return nil
}

// notFound maps sql.ErrNoRows to history.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", history.ErrNotFound, what)
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// nullable converts an optional id into a driver argument.
func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return history.ID(v.Int64)
}
