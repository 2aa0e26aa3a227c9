// Package ledger owns the chart of accounts and posts balanced journals.
// Account balances are mutated here and nowhere else.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates chart-of-accounts classifications.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeIncome    AccountType = "INCOME"
	AccountTypeExpense   AccountType = "EXPENSE"
	AccountTypeEquity    AccountType = "EQUITY"
)

// DebitNormal reports whether the type grows on the debit side.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// Valid reports whether the type is a known classification.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeIncome, AccountTypeExpense, AccountTypeEquity:
		return true
	}
	return false
}

// Side marks an entry as debit or credit.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// Account is a node in the chart of accounts. CurrentBalance is a cache of
// opening balance plus all signed entries, maintained in the same transaction
// as every posting.
type Account struct {
	ID             int64
	Code           string
	Name           string
	Type           AccountType
	Active         bool
	OpeningBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SignedDelta returns the balance movement an entry causes on the account:
// debit-normal accounts grow on debits, credit-normal on credits.
func (a Account) SignedDelta(side Side, amount decimal.Decimal) decimal.Decimal {
	grow := a.Type.DebitNormal() == (side == SideDebit)
	if grow {
		return amount
	}
	return amount.Neg()
}

// Journal groups the entries of one business event. Immutable once posted;
// corrections happen through reversals.
type Journal struct {
	ID          int64
	Date        time.Time
	SourceType  string
	SourceID    uuid.UUID
	Description string
	ReversalOf  *int64
	PostedAt    time.Time
	Entries     []Entry
}

// Entry is one debit or credit line of a journal.
type Entry struct {
	ID        int64
	JournalID int64
	AccountID int64
	Side      Side
	Amount    decimal.Decimal
	Narration string
}

var (
	// ErrUnbalanced indicates debit and credit totals differ.
	ErrUnbalanced = errors.New("ledger: journal entries must balance")
	// ErrTooFewEntries indicates less than two entries.
	ErrTooFewEntries = errors.New("ledger: journal requires at least two entries")
	// ErrInvalidAmount indicates a zero, negative, or sub-cent amount.
	ErrInvalidAmount = errors.New("ledger: entry amount must be positive with at most two decimal places")
	// ErrInvalidSide indicates an unknown entry side.
	ErrInvalidSide = errors.New("ledger: entry side must be DEBIT or CREDIT")
	// ErrUnknownAccount indicates an entry references a missing account.
	ErrUnknownAccount = errors.New("ledger: unknown account")
	// ErrInactiveAccount indicates an entry references a deactivated account.
	ErrInactiveAccount = errors.New("ledger: account is inactive")
	// ErrJournalNotFound indicates the journal does not exist.
	ErrJournalNotFound = errors.New("ledger: journal not found")
	// ErrAlreadyReversed indicates the journal has a reversal already.
	ErrAlreadyReversed = errors.New("ledger: journal already reversed")
	// ErrAccountNotFound indicates a missing account on a read path.
	ErrAccountNotFound = errors.New("ledger: account not found")
)
