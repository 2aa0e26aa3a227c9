package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Service posts balanced journals and maintains account balances.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostJournal validates and commits a journal in its own transaction.
func (s *Service) PostJournal(ctx context.Context, in PostingInput) (Journal, error) {
	if err := in.Validate(); err != nil {
		return Journal{}, err
	}
	var journal Journal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		journal, err = s.post(ctx, tx, in, nil)
		return err
	})
	if err != nil {
		return Journal{}, err
	}
	return journal, nil
}

// PostJournalTx posts within the caller's transaction. The posting
// orchestrator uses this to commit journal, stock, and document atomically.
func (s *Service) PostJournalTx(ctx context.Context, tx pgx.Tx, in PostingInput) (Journal, error) {
	if err := in.Validate(); err != nil {
		return Journal{}, err
	}
	return s.post(ctx, s.repo.Tx(tx), in, nil)
}

// ReversePosting posts an equal-and-opposite journal referencing the
// original. The original journal is never touched.
func (s *Service) ReversePosting(ctx context.Context, in ReverseInput) (Journal, error) {
	var journal Journal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		journal, err = s.reverse(ctx, tx, in)
		return err
	})
	if err != nil {
		return Journal{}, err
	}
	return journal, nil
}

// ReversePostingTx is ReversePosting scoped to the caller's transaction.
func (s *Service) ReversePostingTx(ctx context.Context, tx pgx.Tx, in ReverseInput) (Journal, error) {
	return s.reverse(ctx, s.repo.Tx(tx), in)
}

// GetJournal loads a journal with its entries.
func (s *Service) GetJournal(ctx context.Context, id int64) (Journal, error) {
	return s.repo.GetJournal(ctx, id)
}

// ListJournals lists recent journals, newest first.
func (s *Service) ListJournals(ctx context.Context, limit int) ([]Journal, error) {
	return s.repo.ListJournals(ctx, limit)
}

// GetAccountByCode resolves an account by its wire-stable code.
func (s *Service) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	return s.repo.GetAccountByCode(ctx, code)
}

// ListAccounts lists the chart of accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

func (s *Service) post(ctx context.Context, tx TxRepository, in PostingInput, reversalOf *int64) (Journal, error) {
	ids := accountIDs(in.Entries)
	accounts, err := tx.GetAccountsForUpdate(ctx, ids)
	if err != nil {
		return Journal{}, err
	}
	deltas := make(map[int64]decimal.Decimal, len(ids))
	for _, entry := range in.Entries {
		account, ok := accounts[entry.AccountID]
		if !ok {
			return Journal{}, fmt.Errorf("%w: id %d", ErrUnknownAccount, entry.AccountID)
		}
		if !account.Active {
			return Journal{}, fmt.Errorf("%w: %s", ErrInactiveAccount, account.Code)
		}
		deltas[entry.AccountID] = deltas[entry.AccountID].Add(account.SignedDelta(entry.Side, entry.Amount))
	}

	journal, err := tx.InsertJournal(ctx, in, reversalOf)
	if err != nil {
		return Journal{}, err
	}
	journal.Entries, err = tx.InsertEntries(ctx, journal.ID, in.Entries)
	if err != nil {
		return Journal{}, err
	}
	for _, id := range ids {
		if deltas[id].IsZero() {
			continue
		}
		if err := tx.AddToBalance(ctx, id, deltas[id]); err != nil {
			return Journal{}, err
		}
	}
	return journal, nil
}

func (s *Service) reverse(ctx context.Context, tx TxRepository, in ReverseInput) (Journal, error) {
	original, err := tx.GetJournalWithEntries(ctx, in.JournalID)
	if err != nil {
		return Journal{}, err
	}
	reversed, err := tx.HasReversal(ctx, in.JournalID)
	if err != nil {
		return Journal{}, err
	}
	if reversed {
		return Journal{}, fmt.Errorf("%w: journal %d", ErrAlreadyReversed, in.JournalID)
	}
	posting := PostingInput{
		Date:        s.now().UTC(),
		SourceType:  original.SourceType + ":REVERSAL",
		SourceID:    uuid.New(),
		Description: reversalDescription(in.Reason, original.ID),
		Entries:     flipEntries(original.Entries),
	}
	if err := posting.Validate(); err != nil {
		return Journal{}, err
	}
	return s.post(ctx, tx, posting, &original.ID)
}

func flipEntries(entries []Entry) []EntryInput {
	out := make([]EntryInput, 0, len(entries))
	for _, entry := range entries {
		side := SideDebit
		if entry.Side == SideDebit {
			side = SideCredit
		}
		out = append(out, EntryInput{
			AccountID: entry.AccountID,
			Side:      side,
			Amount:    entry.Amount,
			Narration: entry.Narration,
		})
	}
	return out
}

func accountIDs(entries []EntryInput) []int64 {
	seen := make(map[int64]struct{}, len(entries))
	var ids []int64
	for _, entry := range entries {
		if _, ok := seen[entry.AccountID]; ok {
			continue
		}
		seen[entry.AccountID] = struct{}{}
		ids = append(ids, entry.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func reversalDescription(reason string, journalID int64) string {
	if reason != "" {
		return reason
	}
	return fmt.Sprintf("Reversal of journal %d", journalID)
}
