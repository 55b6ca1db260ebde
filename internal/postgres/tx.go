package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// executor is the subset of *pgxpool.Pool and pgx.Tx the repository needs.
// Both satisfy it, which is what lets Transact swap a bare pool for a tx (or
// a tx for a nested tx/savepoint) without the repository methods knowing.
type executor interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type execCtxKey struct{}

func withExecutor(ctx context.Context, ex executor) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ex)
}

// execFromContext returns the active executor for ctx, falling back to pool
// when no transaction has been opened.
func execFromContext(ctx context.Context, pool *pgxpool.Pool) executor {
	if ex, ok := ctx.Value(execCtxKey{}).(executor); ok {
		return ex
	}
	return pool
}

// Transact runs fn against a transaction derived from ctx's current
// executor. Calling it while ctx already carries a pgx.Tx issues a
// SAVEPOINT (pgx.Tx.Begin on an open Tx does this natively) rather than a
// new top-level transaction, which is how nested transactional scopes are
// realized. fn's context carries the new tx so further Transact calls (or
// repository calls) it makes join this scope.
func (s *WorkplanRepository) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	switch ex := execFromContext(ctx, s.pool).(type) {
	case pgx.Tx:
		tx, err = ex.Begin(ctx)
	case *pgxpool.Pool:
		tx, err = ex.Begin(ctx)
	default:
		tx, err = s.pool.Begin(ctx)
	}
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if err := fn(withExecutor(ctx, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
