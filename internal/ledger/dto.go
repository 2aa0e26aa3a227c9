package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryInput describes one line of a posting request.
type EntryInput struct {
	AccountID int64
	Side      Side
	Amount    decimal.Decimal
	Narration string
}

// PostingInput groups fields required to post a journal.
type PostingInput struct {
	Date        time.Time
	SourceType  string
	SourceID    uuid.UUID
	Description string
	Entries     []EntryInput
}

// Validate ensures posting input meets the balance and amount invariants
// before anything touches the store.
func (in PostingInput) Validate() error {
	if in.SourceType == "" {
		return errors.New("ledger: source type required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("ledger: source id required")
	}
	if len(in.Entries) < 2 {
		return ErrTooFewEntries
	}
	var debit, credit decimal.Decimal
	for idx, entry := range in.Entries {
		if entry.AccountID == 0 {
			return fmt.Errorf("ledger: entry %d missing account: %w", idx, ErrUnknownAccount)
		}
		switch entry.Side {
		case SideDebit:
			debit = debit.Add(entry.Amount)
		case SideCredit:
			credit = credit.Add(entry.Amount)
		default:
			return fmt.Errorf("ledger: entry %d: %w", idx, ErrInvalidSide)
		}
		if !entry.Amount.IsPositive() || entry.Amount.Exponent() < -2 {
			return fmt.Errorf("ledger: entry %d: %w", idx, ErrInvalidAmount)
		}
	}
	// Exact fixed-point comparison, no floating tolerance.
	if debit.Cmp(credit) != 0 {
		return fmt.Errorf("%w: debit %s, credit %s", ErrUnbalanced, debit, credit)
	}
	return nil
}

// ReverseInput wraps parameters for a reversal.
type ReverseInput struct {
	JournalID int64
	Reason    string
}
