package posting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SaleLine is one sold item.
type SaleLine struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitPrice decimal.Decimal
}

// SaleInput describes a sale to post. Tax and Discount are absolute amounts,
// already computed by the caller. Paid may cover any part of the total; the
// rest becomes receivable.
type SaleInput struct {
	Lines          []SaleLine
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Paid           decimal.Decimal
	PartyRef       string
	Notes          string
	IdempotencyKey string
	ActorID        int64
}

// Subtotal sums the lines before discount and tax.
func (in SaleInput) Subtotal() decimal.Decimal {
	var sum decimal.Decimal
	for _, line := range in.Lines {
		sum = sum.Add(line.Qty.Mul(line.UnitPrice))
	}
	return sum.Round(2)
}

// Validate checks lines, scales, and the paid/total relation.
func (in SaleInput) Validate() error {
	if len(in.Lines) == 0 {
		return ErrNoLines
	}
	for idx, line := range in.Lines {
		if !validQty(line.Qty) {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidQuantity)
		}
		if !validAmount(line.UnitPrice) {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidAmount)
		}
	}
	if !validAmount(in.Discount) || !validAmount(in.Tax) || !validAmount(in.Paid) {
		return ErrInvalidAmount
	}
	subtotal := in.Subtotal()
	if in.Discount.GreaterThan(subtotal) {
		return ErrExcessDiscount
	}
	total := subtotal.Sub(in.Discount).Add(in.Tax)
	if in.Paid.GreaterThan(total) {
		return fmt.Errorf("%w: paid %s, total %s", ErrOverpaid, in.Paid, total)
	}
	return nil
}

// PurchaseLine is one received item at its billed cost.
type PurchaseLine struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
}

// PurchaseInput describes a supplier bill to post.
type PurchaseInput struct {
	Lines          []PurchaseLine
	Tax            decimal.Decimal
	Paid           decimal.Decimal
	PartyRef       string
	Notes          string
	IdempotencyKey string
	ActorID        int64
}

// Subtotal sums the lines before tax.
func (in PurchaseInput) Subtotal() decimal.Decimal {
	var sum decimal.Decimal
	for _, line := range in.Lines {
		sum = sum.Add(line.Qty.Mul(line.UnitCost))
	}
	return sum.Round(2)
}

// Validate checks lines, scales, and the paid/total relation.
func (in PurchaseInput) Validate() error {
	if len(in.Lines) == 0 {
		return ErrNoLines
	}
	for idx, line := range in.Lines {
		if !validQty(line.Qty) {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidQuantity)
		}
		if !validAmount(line.UnitCost) {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidAmount)
		}
	}
	if !validAmount(in.Tax) || !validAmount(in.Paid) {
		return ErrInvalidAmount
	}
	total := in.Subtotal().Add(in.Tax)
	if in.Paid.GreaterThan(total) {
		return fmt.Errorf("%w: paid %s, total %s", ErrOverpaid, in.Paid, total)
	}
	return nil
}

// PaymentDirection distinguishes money coming in from money going out.
type PaymentDirection string

const (
	DirectionReceipt PaymentDirection = "RECEIPT"
	DirectionPayment PaymentDirection = "PAYMENT"
)

// PaymentInput describes a standalone customer receipt or supplier payment.
type PaymentInput struct {
	Direction      PaymentDirection
	Amount         decimal.Decimal
	PartyRef       string
	Notes          string
	IdempotencyKey string
	ActorID        int64
}

// Validate checks direction and amount.
func (in PaymentInput) Validate() error {
	if in.Direction != DirectionReceipt && in.Direction != DirectionPayment {
		return ErrInvalidDirection
	}
	if !in.Amount.IsPositive() || in.Amount.Exponent() < -2 {
		return ErrInvalidAmount
	}
	return nil
}

// AdjustmentInput describes a stock write-up or write-off.
type AdjustmentInput struct {
	ProductID      int64
	DeltaQty       decimal.Decimal
	Reason         string
	Notes          string
	IdempotencyKey string
	ActorID        int64
}

// Validate checks the delta quantity.
func (in AdjustmentInput) Validate() error {
	if in.DeltaQty.IsZero() || in.DeltaQty.Exponent() < -3 {
		return ErrInvalidQuantity
	}
	return nil
}

// ReverseInput names the document to reverse.
type ReverseInput struct {
	DocumentID     int64
	Reason         string
	IdempotencyKey string
	ActorID        int64
}

// Validate checks the document reference.
func (in ReverseInput) Validate() error {
	if in.DocumentID <= 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func validQty(d decimal.Decimal) bool {
	return d.IsPositive() && d.Exponent() >= -3
}

func validAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Exponent() >= -2
}
