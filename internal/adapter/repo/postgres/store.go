package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the narrow surface repositories issue SQL through. Both
// *pgxpool.Pool and pgx.Tx satisfy it, which is what lets every repository
// method run either standalone or composed inside the Bus's ambient
// transaction without the domain layer knowing about pgx at all.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Store owns the pool and exposes WithTx, the one place a new pgx
// transaction is opened. Every multi-repository write the design requires to
// be atomic (Bus.send, Bus.send_batch, TSQ.retry/complete/cancel, Process
// step execution) goes through WithTx so the Querier passed to each
// repository call is the same transaction.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// WithTx runs fn inside a single read-committed transaction, committing on a
// nil return and rolling back otherwise, via an explicit commit-guard.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
