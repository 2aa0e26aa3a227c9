package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store abstracts counter persistence for the service.
type Store interface {
	Increment(ctx context.Context, name string, year int) (Series, error)
	IncrementTx(ctx context.Context, tx pgx.Tx, name string, year int) (Series, error)
}

// Repository persists series counters in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// The UPDATE takes a row lock, so concurrent issuers serialize on the series
// row and never observe the same value. Yearly reset happens in the same
// statement as the increment.
const incrementSQL = `
UPDATE sequences
SET value = CASE WHEN yearly_reset AND last_reset_year <> $2 THEN 1 ELSE value + 1 END,
    last_reset_year = CASE WHEN yearly_reset THEN $2 ELSE last_reset_year END
WHERE name = $1
RETURNING name, prefix, pad, value, yearly_reset, last_reset_year`

// Increment advances the counter outside any caller transaction.
func (r *Repository) Increment(ctx context.Context, name string, year int) (Series, error) {
	return scanSeries(r.pool.QueryRow(ctx, incrementSQL, name, year))
}

// IncrementTx advances the counter within the caller's transaction so an
// abandoned posting rolls the counter back with everything else.
func (r *Repository) IncrementTx(ctx context.Context, tx pgx.Tx, name string, year int) (Series, error) {
	return scanSeries(tx.QueryRow(ctx, incrementSQL, name, year))
}

func scanSeries(row pgx.Row) (Series, error) {
	var s Series
	err := row.Scan(&s.Name, &s.Prefix, &s.Pad, &s.Value, &s.YearlyReset, &s.LastResetYear)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Series{}, ErrSeriesNotFound
		}
		return Series{}, err
	}
	return s, nil
}
