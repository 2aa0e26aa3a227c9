package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/platform/db"
)

// Repository encapsulates ledger persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// Tx adapts an externally managed transaction, used when the posting
	// orchestrator composes the engines inside one commit.
	Tx(tx pgx.Tx) TxRepository
	GetJournal(ctx context.Context, id int64) (Journal, error)
	ListJournals(ctx context.Context, limit int) ([]Journal, error)
	GetAccountByCode(ctx context.Context, code string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	GetAccountsForUpdate(ctx context.Context, ids []int64) (map[int64]Account, error)
	InsertJournal(ctx context.Context, in PostingInput, reversalOf *int64) (Journal, error)
	InsertEntries(ctx context.Context, journalID int64, entries []EntryInput) ([]Entry, error)
	AddToBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error
	GetJournalWithEntries(ctx context.Context, journalID int64) (Journal, error)
	HasReversal(ctx context.Context, journalID int64) (bool, error)
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

const journalColumns = `id, date, source_type, source_id, description, reversal_of, posted_at`

func (r *repository) GetJournal(ctx context.Context, id int64) (Journal, error) {
	journal, err := scanJournal(r.pool.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id=$1`, id))
	if err != nil {
		return Journal{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, journal_id, account_id, side, amount, narration FROM ledger_entries WHERE journal_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return Journal{}, err
	}
	journal.Entries, err = collectEntries(rows)
	if err != nil {
		return Journal{}, err
	}
	return journal, nil
}

func (r *repository) ListJournals(ctx context.Context, limit int) ([]Journal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+journalColumns+` FROM journals ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var journals []Journal
	for rows.Next() {
		journal, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		journals = append(journals, journal)
	}
	return journals, rows.Err()
}

const accountColumns = `id, code, name, type, active, opening_balance, current_balance, created_at, updated_at`

func (r *repository) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code=$1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return account, nil
}

func (r *repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// GetAccountsForUpdate locks the referenced account rows in id order so two
// concurrent postings touching the same pair of accounts cannot deadlock.
func (r *txRepository) GetAccountsForUpdate(ctx context.Context, ids []int64) (map[int64]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id ASC FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	accounts := make(map[int64]Account, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts[account.ID] = account
	}
	return accounts, rows.Err()
}

func (r *txRepository) InsertJournal(ctx context.Context, in PostingInput, reversalOf *int64) (Journal, error) {
	journal := Journal{
		Date:        in.Date,
		SourceType:  in.SourceType,
		SourceID:    in.SourceID,
		Description: in.Description,
		ReversalOf:  reversalOf,
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO journals (date, source_type, source_id, description, reversal_of)
VALUES ($1,$2,$3,$4,$5) RETURNING id, posted_at`, in.Date, in.SourceType, in.SourceID, in.Description, reversalOf).
		Scan(&journal.ID, &journal.PostedAt)
	if err != nil {
		return Journal{}, err
	}
	return journal, nil
}

func (r *txRepository) InsertEntries(ctx context.Context, journalID int64, inputs []EntryInput) ([]Entry, error) {
	entries := make([]Entry, 0, len(inputs))
	for _, in := range inputs {
		entry := Entry{
			JournalID: journalID,
			AccountID: in.AccountID,
			Side:      in.Side,
			Amount:    in.Amount,
			Narration: in.Narration,
		}
		err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (journal_id, account_id, side, amount, narration)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, journalID, in.AccountID, in.Side, in.Amount, in.Narration).Scan(&entry.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *txRepository) AddToBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET current_balance = current_balance + $2, updated_at = NOW() WHERE id=$1`, accountID, delta)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUnknownAccount
	}
	return nil
}

func (r *txRepository) GetJournalWithEntries(ctx context.Context, journalID int64) (Journal, error) {
	journal, err := scanJournal(r.tx.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id=$1 FOR UPDATE`, journalID))
	if err != nil {
		return Journal{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, journal_id, account_id, side, amount, narration FROM ledger_entries WHERE journal_id=$1 ORDER BY id ASC`, journalID)
	if err != nil {
		return Journal{}, err
	}
	journal.Entries, err = collectEntries(rows)
	if err != nil {
		return Journal{}, err
	}
	return journal, nil
}

func (r *txRepository) HasReversal(ctx context.Context, journalID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM journals WHERE reversal_of=$1)`, journalID).Scan(&exists)
	return exists, err
}

func scanJournal(row pgx.Row) (Journal, error) {
	var j Journal
	err := row.Scan(&j.ID, &j.Date, &j.SourceType, &j.SourceID, &j.Description, &j.ReversalOf, &j.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, ErrJournalNotFound
		}
		return Journal{}, err
	}
	return j, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Active, &a.OpeningBalance, &a.CurrentBalance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.JournalID, &e.AccountID, &e.Side, &e.Amount, &e.Narration); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
