package costing

import (
	"github.com/shopspring/decimal"
)

// ReceiptInput describes stock arriving at a known unit cost.
type ReceiptInput struct {
	ProductID int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	Ref       Ref
}

// Validate checks quantity and cost scales before any row is touched.
func (in ReceiptInput) Validate() error {
	if in.ProductID == 0 {
		return ErrProductNotFound
	}
	if !in.Quantity.IsPositive() || in.Quantity.Exponent() < -3 {
		return ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() || in.UnitCost.Exponent() < -2 {
		return ErrInvalidUnitCost
	}
	return nil
}

// ConsumptionInput describes a FIFO withdrawal request.
type ConsumptionInput struct {
	ProductID int64
	Quantity  decimal.Decimal
	Ref       Ref
}

// Validate checks the requested quantity.
func (in ConsumptionInput) Validate() error {
	if in.ProductID == 0 {
		return ErrProductNotFound
	}
	if !in.Quantity.IsPositive() || in.Quantity.Exponent() < -3 {
		return ErrInvalidQuantity
	}
	return nil
}

// AdjustmentInput describes a manual write-up or write-off. Positive deltas
// receive at the product's current average cost; negative deltas consume
// through the normal FIFO path.
type AdjustmentInput struct {
	ProductID int64
	DeltaQty  decimal.Decimal
	Reason    string
	Ref       Ref
}

// Validate checks the delta.
func (in AdjustmentInput) Validate() error {
	if in.ProductID == 0 {
		return ErrProductNotFound
	}
	if in.DeltaQty.IsZero() || in.DeltaQty.Exponent() < -3 {
		return ErrInvalidQuantity
	}
	return nil
}
