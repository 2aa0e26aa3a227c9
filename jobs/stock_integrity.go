package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// StockScan verifies the costing invariants: layer remainders stay within
// [0, quantity] and each product's on-hand cache equals the sum of its layer
// remainders. Findings are reported, never auto-corrected.
type StockScan struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStockScan constructs the scanner.
func NewStockScan(pool *pgxpool.Pool, logger *slog.Logger) *StockScan {
	return &StockScan{pool: pool, logger: logger}
}

// Run executes both checks concurrently.
func (s *StockScan) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var badLayers, driftedProducts int
	g.Go(func() error {
		var err error
		badLayers, err = s.layersOutOfBounds(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		driftedProducts, err = s.driftedOnHand(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if badLayers > 0 || driftedProducts > 0 {
		return fmt.Errorf("jobs: stock integrity violated: %d layers out of bounds, %d drifted products", badLayers, driftedProducts)
	}
	s.logger.Info("stock integrity scan clean", slog.String("job", "stock_integrity"))
	return nil
}

func (s *StockScan) layersOutOfBounds(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, product_id, quantity, remaining_qty
FROM stock_layers
WHERE remaining_qty < 0 OR remaining_qty > quantity`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var id, productID int64
		var quantity, remaining decimal.Decimal
		if err := rows.Scan(&id, &productID, &quantity, &remaining); err != nil {
			return count, err
		}
		count++
		s.logger.Error("stock layer out of bounds",
			slog.Int64("layer_id", id),
			slog.Int64("product_id", productID),
			slog.String("quantity", quantity.String()),
			slog.String("remaining", remaining.String()))
	}
	return count, rows.Err()
}

func (s *StockScan) driftedOnHand(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.code, p.on_hand, COALESCE(SUM(l.remaining_qty), 0) AS layer_sum
FROM products p
LEFT JOIN stock_layers l ON l.product_id = p.id
GROUP BY p.id
HAVING p.on_hand <> COALESCE(SUM(l.remaining_qty), 0)`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var id int64
		var code string
		var onHand, layerSum decimal.Decimal
		if err := rows.Scan(&id, &code, &onHand, &layerSum); err != nil {
			return count, err
		}
		count++
		s.logger.Error("product on-hand drift found",
			slog.Int64("product_id", id),
			slog.String("code", code),
			slog.String("cached", onHand.String()),
			slog.String("layer_sum", layerSum.String()))
	}
	return count, rows.Err()
}
