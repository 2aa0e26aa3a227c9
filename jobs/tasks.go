package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-retail/keystone/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity runs the ledger invariant scan.
	TaskLedgerIntegrity = "integrity:ledger"
	// TaskStockIntegrity runs the stock invariant scan.
	TaskStockIntegrity = "integrity:stock"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// NewLedgerIntegrityTask constructs the ledger scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

// NewStockIntegrityTask constructs the stock scan task.
func NewStockIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskStockIntegrity, nil)
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// HandleLedgerIntegrity adapts LedgerScan to an asynq handler.
func HandleLedgerIntegrity(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	scan := NewLedgerScan(pool, logger)
	return func(ctx context.Context, t *asynq.Task) error {
		return scan.Run(ctx)
	}
}

// HandleStockIntegrity adapts StockScan to an asynq handler.
func HandleStockIntegrity(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	scan := NewStockScan(pool, logger)
	return func(ctx context.Context, t *asynq.Task) error {
		return scan.Run(ctx)
	}
}

// HandleIdempotencyCleanup prunes keys older than retention.
func HandleIdempotencyCleanup(store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		if err := store.Cleanup(ctx, retention); err != nil {
			return err
		}
		logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
		return nil
	}
}
