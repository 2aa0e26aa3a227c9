// Package posting composes the sequence issuer, ledger engine, and costing
// engine into business documents. Every document commits its number, journal,
// stock movement, and record in one transaction.
package posting

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentKind classifies what a posted document represents.
type DocumentKind string

const (
	KindSale       DocumentKind = "SALE"
	KindPurchase   DocumentKind = "PURCHASE"
	KindPayment    DocumentKind = "PAYMENT"
	KindAdjustment DocumentKind = "ADJUSTMENT"
	KindReversal   DocumentKind = "REVERSAL"
)

// DocumentStatus is the lifecycle state. Documents only ever move
// POSTED to REVERSED.
type DocumentStatus string

const (
	StatusPosted   DocumentStatus = "POSTED"
	StatusReversed DocumentStatus = "REVERSED"
)

// Role names a slot in the account mapping that postings resolve to a
// concrete ledger account.
type Role string

const (
	RoleCash       Role = "cash"
	RoleReceivable Role = "receivable"
	RolePayable    Role = "payable"
	RoleSales      Role = "sales"
	RoleCOGS       Role = "cogs"
	RoleInventory  Role = "inventory"
	RoleTaxPayable Role = "tax_payable"
	RoleTaxInput   Role = "tax_input"
	RoleShrinkage  Role = "shrinkage"
)

// Number series per document kind.
const (
	SeriesInvoice    = "invoice"
	SeriesBill       = "bill"
	SeriesReceipt    = "receipt"
	SeriesPayment    = "payment"
	SeriesAdjustment = "adjustment"
	SeriesReversal   = "reversal"
)

// Document is the record a posting leaves behind. SourceID ties the journal,
// stock layers, and consumption records of the same posting together.
type Document struct {
	ID         int64
	Number     string
	Kind       DocumentKind
	Status     DocumentStatus
	SourceID   uuid.UUID
	PartyRef   string
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
	Paid       decimal.Decimal
	Due        decimal.Decimal
	JournalID  *int64
	ReversalOf *int64
	Notes      string
	PostedAt   time.Time
}

var (
	// ErrDocumentNotFound indicates an unknown document id.
	ErrDocumentNotFound = errors.New("posting: document not found")
	// ErrMappingNotFound indicates a role has no account mapped.
	ErrMappingNotFound = errors.New("posting: account mapping not found")
	// ErrAlreadyReversed indicates the document has been reversed before.
	ErrAlreadyReversed = errors.New("posting: document already reversed")
	// ErrNotReversible indicates the document kind cannot be reversed.
	ErrNotReversible = errors.New("posting: document cannot be reversed")
	// ErrNoLines indicates a posting without lines.
	ErrNoLines = errors.New("posting: at least one line required")
	// ErrInvalidQuantity indicates a non-positive or over-scale quantity.
	ErrInvalidQuantity = errors.New("posting: quantity must be positive with at most three decimal places")
	// ErrInvalidAmount indicates a negative or sub-cent amount.
	ErrInvalidAmount = errors.New("posting: amount must be >= 0 with at most two decimal places")
	// ErrOverpaid indicates paid exceeds the document total.
	ErrOverpaid = errors.New("posting: paid exceeds document total")
	// ErrExcessDiscount indicates a discount larger than the subtotal.
	ErrExcessDiscount = errors.New("posting: discount exceeds subtotal")
	// ErrInvalidDirection indicates an unknown payment direction.
	ErrInvalidDirection = errors.New("posting: payment direction must be RECEIPT or PAYMENT")
	// ErrNoEffect indicates a sale or purchase whose value and cost are both
	// zero, leaving nothing to post.
	ErrNoEffect = errors.New("posting: document has no monetary effect")
)
