// Package costing owns per-product FIFO cost layers. Receipts create layers,
// withdrawals consume them oldest-first, and the product on-hand cache is a
// sum of remaining layer quantities maintained here and nowhere else.
package costing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is the costing view of a catalog item. OnHand always equals the
// sum of remaining quantities over the product's layers.
type Product struct {
	ID        int64
	Code      string
	Name      string
	Active    bool
	OnHand    decimal.Decimal
	UpdatedAt time.Time
}

// Layer records one receipt: its quantity, unit cost, and how much of it is
// still unconsumed. FIFO order is (ReceivedAt, Seq); Seq breaks timestamp
// ties authoritatively.
type Layer struct {
	ID           int64
	ProductID    int64
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	RemainingQty decimal.Decimal
	SourceType   string
	SourceID     uuid.UUID
	ReceivedAt   time.Time
	Seq          int64
}

// ConsumptionRecord is one slice drawn from one layer. Negative quantities
// record a reversal putting stock back onto the layer.
type ConsumptionRecord struct {
	ID         int64
	LayerID    int64
	ProductID  int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	SourceType string
	SourceID   uuid.UUID
	ConsumedAt time.Time
}

// Ref ties a stock movement back to the business document that caused it.
type Ref struct {
	Type string
	ID   uuid.UUID
}

// Withdrawal is the result of a FIFO consumption: the audit trail of slices,
// the total cost funding the COGS entry, and the per-unit average.
type Withdrawal struct {
	Records     []ConsumptionRecord
	TotalCost   decimal.Decimal
	AvgUnitCost decimal.Decimal
}

// Adjustment reports the outcome of a manual stock adjustment. Exactly one
// of Receipt or Withdrawal is set depending on the delta sign.
type Adjustment struct {
	Receipt    *Layer
	Withdrawal *Withdrawal
	Value      decimal.Decimal
}

var (
	// ErrInsufficientStock indicates consumption exceeds available layers.
	// The engine never goes negative; backorder policy lives with callers.
	ErrInsufficientStock = errors.New("costing: insufficient stock")
	// ErrInvalidQuantity indicates a zero, negative, or sub-milli quantity.
	ErrInvalidQuantity = errors.New("costing: quantity must be positive with at most three decimal places")
	// ErrInvalidUnitCost indicates a negative or sub-cent unit cost.
	ErrInvalidUnitCost = errors.New("costing: unit cost must be >= 0 with at most two decimal places")
	// ErrProductNotFound indicates a missing product.
	ErrProductNotFound = errors.New("costing: product not found")
	// ErrInactiveProduct indicates the product is deactivated.
	ErrInactiveProduct = errors.New("costing: product is inactive")
	// ErrLayerNotFound indicates a missing layer.
	ErrLayerNotFound = errors.New("costing: layer not found")
	// ErrLayerOverflow indicates a restore would push a layer past its
	// original quantity. This breaks the 0 <= remaining <= quantity
	// invariant and means the caller restored the wrong records.
	ErrLayerOverflow = errors.New("costing: restore exceeds layer quantity")
)
