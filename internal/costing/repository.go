package costing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/platform/db"
)

// Repository encapsulates costing persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Tx(tx pgx.Tx) TxRepository
	GetProductByCode(ctx context.Context, code string) (Product, error)
	ListLayers(ctx context.Context, productID int64) ([]Layer, error)
	ListConsumptions(ctx context.Context, productID int64, limit int) ([]ConsumptionRecord, error)
}

// TxRepository exposes operations available within a transaction. Callers
// lock the product row before touching its layers; that ordering is what
// serializes concurrent movements per product.
type TxRepository interface {
	GetProductForUpdate(ctx context.Context, productID int64) (Product, error)
	LayersForUpdate(ctx context.Context, productID int64) ([]Layer, error)
	GetLayer(ctx context.Context, layerID int64) (Layer, error)
	GetLayerForUpdate(ctx context.Context, layerID int64) (Layer, error)
	InsertLayer(ctx context.Context, layer Layer) (Layer, error)
	SetLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error
	InsertConsumption(ctx context.Context, record ConsumptionRecord) (ConsumptionRecord, error)
	SetOnHand(ctx context.Context, productID int64, onHand decimal.Decimal) error
	LayersByRef(ctx context.Context, ref Ref) ([]Layer, error)
	ConsumptionsByRef(ctx context.Context, ref Ref) ([]ConsumptionRecord, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *repository) Tx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *repository) GetProductByCode(ctx context.Context, code string) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active, on_hand, updated_at FROM products WHERE code=$1`, code).
		Scan(&p.ID, &p.Code, &p.Name, &p.Active, &p.OnHand, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

const layerColumns = `id, product_id, quantity, unit_cost, remaining_qty, source_type, source_id, received_at, seq`

func (r *repository) ListLayers(ctx context.Context, productID int64) ([]Layer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+layerColumns+` FROM stock_layers WHERE product_id=$1 ORDER BY received_at ASC, seq ASC`, productID)
	if err != nil {
		return nil, err
	}
	return collectLayers(rows)
}

const consumptionColumns = `id, layer_id, product_id, quantity, unit_cost, source_type, source_id, consumed_at`

func (r *repository) ListConsumptions(ctx context.Context, productID int64, limit int) ([]ConsumptionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+consumptionColumns+` FROM stock_consumptions WHERE product_id=$1 ORDER BY id DESC LIMIT $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	return collectConsumptions(rows)
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetProductForUpdate(ctx context.Context, productID int64) (Product, error) {
	var p Product
	err := r.tx.QueryRow(ctx, `SELECT id, code, name, active, on_hand, updated_at FROM products WHERE id=$1 FOR UPDATE`, productID).
		Scan(&p.ID, &p.Code, &p.Name, &p.Active, &p.OnHand, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// LayersForUpdate returns open layers oldest-first and locks them. The read
// and the later decrement share one transaction, so two concurrent
// consumptions can never double-spend a layer.
func (r *txRepository) LayersForUpdate(ctx context.Context, productID int64) ([]Layer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM stock_layers
WHERE product_id=$1 AND remaining_qty > 0 ORDER BY received_at ASC, seq ASC FOR UPDATE`, productID)
	if err != nil {
		return nil, err
	}
	return collectLayers(rows)
}

func (r *txRepository) GetLayer(ctx context.Context, layerID int64) (Layer, error) {
	return scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM stock_layers WHERE id=$1`, layerID))
}

func (r *txRepository) GetLayerForUpdate(ctx context.Context, layerID int64) (Layer, error) {
	return scanLayer(r.tx.QueryRow(ctx, `SELECT `+layerColumns+` FROM stock_layers WHERE id=$1 FOR UPDATE`, layerID))
}

func (r *txRepository) InsertLayer(ctx context.Context, layer Layer) (Layer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_layers (product_id, quantity, unit_cost, remaining_qty, source_type, source_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, received_at, seq`,
		layer.ProductID, layer.Quantity, layer.UnitCost, layer.RemainingQty, layer.SourceType, layer.SourceID).
		Scan(&layer.ID, &layer.ReceivedAt, &layer.Seq)
	if err != nil {
		return Layer{}, err
	}
	return layer, nil
}

func (r *txRepository) SetLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE stock_layers SET remaining_qty=$2 WHERE id=$1`, layerID, remaining)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) InsertConsumption(ctx context.Context, record ConsumptionRecord) (ConsumptionRecord, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_consumptions (layer_id, product_id, quantity, unit_cost, source_type, source_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, consumed_at`,
		record.LayerID, record.ProductID, record.Quantity, record.UnitCost, record.SourceType, record.SourceID).
		Scan(&record.ID, &record.ConsumedAt)
	if err != nil {
		return ConsumptionRecord{}, err
	}
	return record, nil
}

func (r *txRepository) SetOnHand(ctx context.Context, productID int64, onHand decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE products SET on_hand=$2, updated_at=NOW() WHERE id=$1`, productID, onHand)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (r *txRepository) LayersByRef(ctx context.Context, ref Ref) ([]Layer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+` FROM stock_layers WHERE source_type=$1 AND source_id=$2 ORDER BY seq ASC`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return collectLayers(rows)
}

func (r *txRepository) ConsumptionsByRef(ctx context.Context, ref Ref) ([]ConsumptionRecord, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+consumptionColumns+` FROM stock_consumptions WHERE source_type=$1 AND source_id=$2 ORDER BY id ASC`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return collectConsumptions(rows)
}

func scanLayer(row pgx.Row) (Layer, error) {
	var l Layer
	err := row.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitCost, &l.RemainingQty, &l.SourceType, &l.SourceID, &l.ReceivedAt, &l.Seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Layer{}, ErrLayerNotFound
		}
		return Layer{}, err
	}
	return l, nil
}

func collectLayers(rows pgx.Rows) ([]Layer, error) {
	defer rows.Close()
	var layers []Layer
	for rows.Next() {
		layer, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, rows.Err()
}

func collectConsumptions(rows pgx.Rows) ([]ConsumptionRecord, error) {
	defer rows.Close()
	var records []ConsumptionRecord
	for rows.Next() {
		var rec ConsumptionRecord
		if err := rows.Scan(&rec.ID, &rec.LayerID, &rec.ProductID, &rec.Quantity, &rec.UnitCost, &rec.SourceType, &rec.SourceID, &rec.ConsumedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
