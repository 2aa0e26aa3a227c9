package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// LedgerScan verifies the ledger invariants: every journal balances to zero
// and every account's cached balance equals its opening balance plus the sum
// of its signed entries. Findings are reported, never auto-corrected.
type LedgerScan struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLedgerScan constructs the scanner.
func NewLedgerScan(pool *pgxpool.Pool, logger *slog.Logger) *LedgerScan {
	return &LedgerScan{pool: pool, logger: logger}
}

// Run executes both checks concurrently and returns an error when any
// invariant is violated, so the task shows up failed in the queue.
func (s *LedgerScan) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var unbalanced, drifted int
	g.Go(func() error {
		var err error
		unbalanced, err = s.unbalancedJournals(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		drifted, err = s.driftedAccounts(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if unbalanced > 0 || drifted > 0 {
		return fmt.Errorf("jobs: ledger integrity violated: %d unbalanced journals, %d drifted accounts", unbalanced, drifted)
	}
	s.logger.Info("ledger integrity scan clean", slog.String("job", "ledger_integrity"))
	return nil
}

func (s *LedgerScan) unbalancedJournals(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT journal_id, SUM(CASE WHEN side = 'DEBIT' THEN amount ELSE -amount END) AS diff
FROM ledger_entries
GROUP BY journal_id
HAVING SUM(CASE WHEN side = 'DEBIT' THEN amount ELSE -amount END) <> 0`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var journalID int64
		var diff decimal.Decimal
		if err := rows.Scan(&journalID, &diff); err != nil {
			return count, err
		}
		count++
		s.logger.Error("unbalanced journal found",
			slog.Int64("journal_id", journalID),
			slog.String("difference", diff.String()))
	}
	return count, rows.Err()
}

func (s *LedgerScan) driftedAccounts(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT a.id, a.code, a.current_balance,
       a.opening_balance + COALESCE(SUM(
           CASE WHEN (a.type IN ('ASSET','EXPENSE')) = (e.side = 'DEBIT')
                THEN e.amount ELSE -e.amount END), 0) AS expected
FROM accounts a
LEFT JOIN ledger_entries e ON e.account_id = a.id
GROUP BY a.id
HAVING a.current_balance <> a.opening_balance + COALESCE(SUM(
           CASE WHEN (a.type IN ('ASSET','EXPENSE')) = (e.side = 'DEBIT')
                THEN e.amount ELSE -e.amount END), 0)`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var id int64
		var code string
		var current, expected decimal.Decimal
		if err := rows.Scan(&id, &code, &current, &expected); err != nil {
			return count, err
		}
		count++
		s.logger.Error("account balance drift found",
			slog.Int64("account_id", id),
			slog.String("code", code),
			slog.String("cached", current.String()),
			slog.String("expected", expected.String()))
	}
	return count, rows.Err()
}
