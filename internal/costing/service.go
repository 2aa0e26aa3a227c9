package costing

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Service runs FIFO costing: receipts create layers, withdrawals consume
// them oldest-first, adjustments route through the same two paths.
type Service struct {
	repo Repository
}

// NewService builds Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Receive records stock arriving at a known unit cost in its own transaction.
func (s *Service) Receive(ctx context.Context, in ReceiptInput) (Layer, error) {
	if err := in.Validate(); err != nil {
		return Layer{}, err
	}
	var layer Layer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		layer, err = s.receive(ctx, tx, in)
		return err
	})
	if err != nil {
		return Layer{}, err
	}
	return layer, nil
}

// ReceiveTx is Receive scoped to the caller's transaction.
func (s *Service) ReceiveTx(ctx context.Context, tx pgx.Tx, in ReceiptInput) (Layer, error) {
	if err := in.Validate(); err != nil {
		return Layer{}, err
	}
	return s.receive(ctx, s.repo.Tx(tx), in)
}

// Consume draws the requested quantity from the oldest open layers.
func (s *Service) Consume(ctx context.Context, in ConsumptionInput) (Withdrawal, error) {
	if err := in.Validate(); err != nil {
		return Withdrawal{}, err
	}
	var w Withdrawal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		w, err = s.consume(ctx, tx, in)
		return err
	})
	if err != nil {
		return Withdrawal{}, err
	}
	return w, nil
}

// ConsumeTx is Consume scoped to the caller's transaction.
func (s *Service) ConsumeTx(ctx context.Context, tx pgx.Tx, in ConsumptionInput) (Withdrawal, error) {
	if err := in.Validate(); err != nil {
		return Withdrawal{}, err
	}
	return s.consume(ctx, s.repo.Tx(tx), in)
}

// Adjust writes stock up or down. Positive deltas behave like a receipt at
// the product's current average cost; negative deltas run the FIFO
// consumption path with a shrinkage-style reference.
func (s *Service) Adjust(ctx context.Context, in AdjustmentInput) (Adjustment, error) {
	if err := in.Validate(); err != nil {
		return Adjustment{}, err
	}
	var adj Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		adj, err = s.adjust(ctx, tx, in)
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}
	return adj, nil
}

// AdjustTx is Adjust scoped to the caller's transaction.
func (s *Service) AdjustTx(ctx context.Context, tx pgx.Tx, in AdjustmentInput) (Adjustment, error) {
	if err := in.Validate(); err != nil {
		return Adjustment{}, err
	}
	return s.adjust(ctx, s.repo.Tx(tx), in)
}

// RestoreTx puts previously consumed quantities back onto the exact layers
// the records drew from. Only the reversal path calls this; a restore that
// would overflow a layer's original quantity fails the whole operation.
func (s *Service) RestoreTx(ctx context.Context, tx pgx.Tx, records []ConsumptionRecord, ref Ref) error {
	return s.restore(ctx, s.repo.Tx(tx), records, ref)
}

// WithdrawLayerTx removes quantity from one specific layer, used when
// reversing a receipt. Fails with ErrInsufficientStock if part of the layer
// has already been consumed by later sales.
func (s *Service) WithdrawLayerTx(ctx context.Context, tx pgx.Tx, layerID int64, qty decimal.Decimal, ref Ref) (ConsumptionRecord, error) {
	if !qty.IsPositive() || qty.Exponent() < -3 {
		return ConsumptionRecord{}, ErrInvalidQuantity
	}
	return s.withdrawLayer(ctx, s.repo.Tx(tx), layerID, qty, ref)
}

// LayersByRefTx lists the layers a document created, for reversal.
func (s *Service) LayersByRefTx(ctx context.Context, tx pgx.Tx, ref Ref) ([]Layer, error) {
	return s.repo.Tx(tx).LayersByRef(ctx, ref)
}

// ConsumptionsByRefTx lists the consumption records a document caused.
func (s *Service) ConsumptionsByRefTx(ctx context.Context, tx pgx.Tx, ref Ref) ([]ConsumptionRecord, error) {
	return s.repo.Tx(tx).ConsumptionsByRef(ctx, ref)
}

// GetProductByCode resolves a product by code.
func (s *Service) GetProductByCode(ctx context.Context, code string) (Product, error) {
	return s.repo.GetProductByCode(ctx, code)
}

// ListLayers lists a product's layers in FIFO order.
func (s *Service) ListLayers(ctx context.Context, productID int64) ([]Layer, error) {
	return s.repo.ListLayers(ctx, productID)
}

// ListConsumptions lists a product's consumption trail, newest first.
func (s *Service) ListConsumptions(ctx context.Context, productID int64, limit int) ([]ConsumptionRecord, error) {
	return s.repo.ListConsumptions(ctx, productID, limit)
}

func (s *Service) receive(ctx context.Context, tx TxRepository, in ReceiptInput) (Layer, error) {
	product, err := tx.GetProductForUpdate(ctx, in.ProductID)
	if err != nil {
		return Layer{}, err
	}
	if !product.Active {
		return Layer{}, fmt.Errorf("%w: %s", ErrInactiveProduct, product.Code)
	}
	layer, err := tx.InsertLayer(ctx, Layer{
		ProductID:    in.ProductID,
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		RemainingQty: in.Quantity,
		SourceType:   in.Ref.Type,
		SourceID:     in.Ref.ID,
	})
	if err != nil {
		return Layer{}, err
	}
	if err := tx.SetOnHand(ctx, in.ProductID, product.OnHand.Add(in.Quantity)); err != nil {
		return Layer{}, err
	}
	return layer, nil
}

func (s *Service) consume(ctx context.Context, tx TxRepository, in ConsumptionInput) (Withdrawal, error) {
	product, err := tx.GetProductForUpdate(ctx, in.ProductID)
	if err != nil {
		return Withdrawal{}, err
	}
	layers, err := tx.LayersForUpdate(ctx, in.ProductID)
	if err != nil {
		return Withdrawal{}, err
	}

	var available decimal.Decimal
	for _, layer := range layers {
		available = available.Add(layer.RemainingQty)
	}
	if available.LessThan(in.Quantity) {
		return Withdrawal{}, fmt.Errorf("%w: product %s has %s, requested %s",
			ErrInsufficientStock, product.Code, available, in.Quantity)
	}

	needed := in.Quantity
	var total decimal.Decimal
	records := make([]ConsumptionRecord, 0, 1)
	for _, layer := range layers {
		if needed.IsZero() {
			break
		}
		draw := decimal.Min(layer.RemainingQty, needed)
		if err := tx.SetLayerRemaining(ctx, layer.ID, layer.RemainingQty.Sub(draw)); err != nil {
			return Withdrawal{}, err
		}
		record, err := tx.InsertConsumption(ctx, ConsumptionRecord{
			LayerID:    layer.ID,
			ProductID:  in.ProductID,
			Quantity:   draw,
			UnitCost:   layer.UnitCost,
			SourceType: in.Ref.Type,
			SourceID:   in.Ref.ID,
		})
		if err != nil {
			return Withdrawal{}, err
		}
		records = append(records, record)
		total = total.Add(draw.Mul(layer.UnitCost))
		needed = needed.Sub(draw)
	}
	if err := tx.SetOnHand(ctx, in.ProductID, product.OnHand.Sub(in.Quantity)); err != nil {
		return Withdrawal{}, err
	}
	return Withdrawal{
		Records:     records,
		TotalCost:   total.Round(2),
		AvgUnitCost: total.DivRound(in.Quantity, 4),
	}, nil
}

func (s *Service) adjust(ctx context.Context, tx TxRepository, in AdjustmentInput) (Adjustment, error) {
	if in.DeltaQty.IsPositive() {
		// Product lock first, same order as consume.
		if _, err := tx.GetProductForUpdate(ctx, in.ProductID); err != nil {
			return Adjustment{}, err
		}
		cost, err := s.averageCost(ctx, tx, in.ProductID)
		if err != nil {
			return Adjustment{}, err
		}
		layer, err := s.receive(ctx, tx, ReceiptInput{
			ProductID: in.ProductID,
			Quantity:  in.DeltaQty,
			UnitCost:  cost,
			Ref:       in.Ref,
		})
		if err != nil {
			return Adjustment{}, err
		}
		return Adjustment{Receipt: &layer, Value: in.DeltaQty.Mul(cost).Round(2)}, nil
	}

	w, err := s.consume(ctx, tx, ConsumptionInput{
		ProductID: in.ProductID,
		Quantity:  in.DeltaQty.Neg(),
		Ref:       in.Ref,
	})
	if err != nil {
		return Adjustment{}, err
	}
	return Adjustment{Withdrawal: &w, Value: w.TotalCost}, nil
}

func (s *Service) restore(ctx context.Context, tx TxRepository, records []ConsumptionRecord, ref Ref) error {
	byProduct := make(map[int64][]ConsumptionRecord)
	for _, record := range records {
		if !record.Quantity.IsPositive() {
			// Reversal trail rows; nothing to put back.
			continue
		}
		byProduct[record.ProductID] = append(byProduct[record.ProductID], record)
	}
	productIDs := make([]int64, 0, len(byProduct))
	for id := range byProduct {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	for _, productID := range productIDs {
		product, err := tx.GetProductForUpdate(ctx, productID)
		if err != nil {
			return err
		}
		var restored decimal.Decimal
		for _, record := range byProduct[productID] {
			layer, err := tx.GetLayerForUpdate(ctx, record.LayerID)
			if err != nil {
				return err
			}
			remaining := layer.RemainingQty.Add(record.Quantity)
			if remaining.GreaterThan(layer.Quantity) {
				return fmt.Errorf("%w: layer %d", ErrLayerOverflow, layer.ID)
			}
			if err := tx.SetLayerRemaining(ctx, layer.ID, remaining); err != nil {
				return err
			}
			if _, err := tx.InsertConsumption(ctx, ConsumptionRecord{
				LayerID:    layer.ID,
				ProductID:  productID,
				Quantity:   record.Quantity.Neg(),
				UnitCost:   record.UnitCost,
				SourceType: ref.Type,
				SourceID:   ref.ID,
			}); err != nil {
				return err
			}
			restored = restored.Add(record.Quantity)
		}
		if err := tx.SetOnHand(ctx, productID, product.OnHand.Add(restored)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) withdrawLayer(ctx context.Context, tx TxRepository, layerID int64, qty decimal.Decimal, ref Ref) (ConsumptionRecord, error) {
	peek, err := tx.GetLayer(ctx, layerID)
	if err != nil {
		return ConsumptionRecord{}, err
	}
	// Product before layer, same lock order as consume.
	product, err := tx.GetProductForUpdate(ctx, peek.ProductID)
	if err != nil {
		return ConsumptionRecord{}, err
	}
	layer, err := tx.GetLayerForUpdate(ctx, layerID)
	if err != nil {
		return ConsumptionRecord{}, err
	}
	if layer.RemainingQty.LessThan(qty) {
		return ConsumptionRecord{}, fmt.Errorf("%w: layer %d holds %s, requested %s",
			ErrInsufficientStock, layer.ID, layer.RemainingQty, qty)
	}
	if err := tx.SetLayerRemaining(ctx, layer.ID, layer.RemainingQty.Sub(qty)); err != nil {
		return ConsumptionRecord{}, err
	}
	record, err := tx.InsertConsumption(ctx, ConsumptionRecord{
		LayerID:    layer.ID,
		ProductID:  layer.ProductID,
		Quantity:   qty,
		UnitCost:   layer.UnitCost,
		SourceType: ref.Type,
		SourceID:   ref.ID,
	})
	if err != nil {
		return ConsumptionRecord{}, err
	}
	if err := tx.SetOnHand(ctx, layer.ProductID, product.OnHand.Sub(qty)); err != nil {
		return ConsumptionRecord{}, err
	}
	return record, nil
}

func (s *Service) averageCost(ctx context.Context, tx TxRepository, productID int64) (decimal.Decimal, error) {
	layers, err := tx.LayersForUpdate(ctx, productID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var qty, value decimal.Decimal
	for _, layer := range layers {
		qty = qty.Add(layer.RemainingQty)
		value = value.Add(layer.RemainingQty.Mul(layer.UnitCost))
	}
	if qty.IsZero() {
		return decimal.Decimal{}, nil
	}
	return value.DivRound(qty, 2), nil
}
