package posting

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists documents and resolves account-role mappings. The
// mutating methods take the orchestrator's transaction so documents commit
// together with their journal and stock movement.
type Repository interface {
	InsertDocument(ctx context.Context, tx pgx.Tx, doc Document) (Document, error)
	GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Document, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, status DocumentStatus) error
	AccountIDByRole(ctx context.Context, tx pgx.Tx, role Role) (int64, error)
	GetDocument(ctx context.Context, id int64) (Document, error)
	ListDocuments(ctx context.Context, limit int) ([]Document, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const documentColumns = `id, number, kind, status, source_id, party_ref, subtotal, discount, tax, total, paid, due, journal_id, reversal_of, notes, posted_at`

func (r *repository) InsertDocument(ctx context.Context, tx pgx.Tx, doc Document) (Document, error) {
	err := tx.QueryRow(ctx, `INSERT INTO documents (number, kind, status, source_id, party_ref, subtotal, discount, tax, total, paid, due, journal_id, reversal_of, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id, posted_at`,
		doc.Number, doc.Kind, doc.Status, doc.SourceID, doc.PartyRef, doc.Subtotal, doc.Discount, doc.Tax,
		doc.Total, doc.Paid, doc.Due, doc.JournalID, doc.ReversalOf, doc.Notes).
		Scan(&doc.ID, &doc.PostedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (r *repository) GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Document, error) {
	return scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE`, id))
}

func (r *repository) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status DocumentStatus) error {
	cmd, err := tx.Exec(ctx, `UPDATE documents SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *repository) AccountIDByRole(ctx context.Context, tx pgx.Tx, role Role) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT a.id FROM account_mappings m JOIN accounts a ON a.code = m.account_code WHERE m.role=$1`, role).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMappingNotFound
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) GetDocument(ctx context.Context, id int64) (Document, error) {
	return scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
}

func (r *repository) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Number, &d.Kind, &d.Status, &d.SourceID, &d.PartyRef, &d.Subtotal, &d.Discount,
		&d.Tax, &d.Total, &d.Paid, &d.Due, &d.JournalID, &d.ReversalOf, &d.Notes, &d.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, err
	}
	return d, nil
}
