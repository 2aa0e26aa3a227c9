package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxConflict is returned when a transaction keeps losing serialization
// conflicts after all retry attempts.
var ErrTxConflict = errors.New("platform/db: transaction conflict, retries exhausted")

const (
	maxAttempts  = 4
	retryBackoff = 25 * time.Millisecond
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
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

// Runner executes transactions with bounded retry on serialization conflicts.
// Concurrent postings against the same account, product, or sequence row are
// expected to conflict occasionally; retrying here keeps that invisible to
// business callers.
type Runner struct {
	pool *pgxpool.Pool
}

// NewRunner constructs a Runner.
func NewRunner(pool *pgxpool.Pool) *Runner {
	return &Runner{pool: pool}
}

// RunTx runs fn inside a RepeatableRead transaction, retrying on SQLSTATE
// 40001 (serialization_failure) and 40P01 (deadlock_detected).
func (r *Runner) RunTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * retryBackoff
			backoff += time.Duration(rand.Int63n(int64(retryBackoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		err := WithTx(ctx, r.pool, func(tx pgx.Tx) error {
			return fn(ctx, tx)
		})
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrTxConflict, lastErr)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
