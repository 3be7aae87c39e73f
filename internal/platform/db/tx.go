package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"

	maxTxAttempts = 4
	txRetryDelay  = 25 * time.Millisecond
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so repositories can run
// the same statements inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
// A transaction aborted by a serialization failure or a deadlock is run again from
// the start with a fresh snapshot, so fn must not carry state between attempts.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	if pool == nil {
		return fmt.Errorf("platform/db: pool not initialised")
	}
	return retryConflicts(ctx, maxTxAttempts, txRetryDelay, func() error {
		return runTx(ctx, pool, fn)
	})
}

func runTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// IsRetryable reports whether err aborted a transaction that may succeed when
// run again.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

// retryConflicts runs attempt up to attempts times while it fails with a
// retryable error, waiting a little longer before each retry. Exhausting the
// attempts reports shared.ErrConflict.
func retryConflicts(ctx context.Context, attempts int, delay time.Duration, attempt func() error) error {
	var err error
	for i := 1; ; i++ {
		err = attempt()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if i >= attempts {
			return fmt.Errorf("platform/db: transaction conflict after %d attempts: %w: %w", i, shared.ErrConflict, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("platform/db: %w: %w", ctx.Err(), err)
		case <-time.After(time.Duration(i) * delay):
		}
	}
}
