package posting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/costing"
	"github.com/keystone-retail/keystone/internal/ledger"
	"github.com/keystone-retail/keystone/internal/sequence"
	"github.com/keystone-retail/keystone/internal/shared"
)

// TxRunner executes a function inside one retried transaction.
// *db.Runner satisfies it.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// IdempotencyStore guards against duplicate posting requests.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditLogger records who posted what, after commit.
type AuditLogger interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SummaryCache holds posted-document summaries for display reads. Balances
// and stock levels are never cached.
type SummaryCache interface {
	Store(ctx context.Context, doc Document) error
	Get(ctx context.Context, id int64) (Document, bool, error)
	Invalidate(ctx context.Context, id int64) error
}

const idempotencyModule = "posting"

// Service is the posting orchestrator. Each Post* call issues a document
// number, moves stock, posts the journal, and writes the document record in
// a single transaction, so a failure anywhere leaves no partial effects.
type Service struct {
	runner   TxRunner
	docs     Repository
	ledger   *ledger.Service
	costing  *costing.Service
	sequence *sequence.Issuer
	idem     IdempotencyStore
	audit    AuditLogger
	cache    SummaryCache
	log      *slog.Logger
	now      func() time.Time
}

// NewService builds the orchestrator over the three engines.
func NewService(runner TxRunner, docs Repository, led *ledger.Service, cost *costing.Service, seq *sequence.Issuer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		runner:   runner,
		docs:     docs,
		ledger:   led,
		costing:  cost,
		sequence: seq,
		log:      log,
		now:      time.Now,
	}
}

// WithIdempotency attaches a duplicate-request guard.
func (s *Service) WithIdempotency(store IdempotencyStore) *Service {
	s.idem = store
	return s
}

// WithAudit attaches the audit trail writer.
func (s *Service) WithAudit(logger AuditLogger) *Service {
	s.audit = logger
	return s
}

// WithCache attaches the document summary cache.
func (s *Service) WithCache(cache SummaryCache) *Service {
	s.cache = cache
	return s
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostSale commits a sale: FIFO consumption per line, one balanced journal
// for revenue, tax, settlement, and cost of goods, and an invoice document.
func (s *Service) PostSale(ctx context.Context, in SaleInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := s.run(ctx, in.IdempotencyKey, func(ctx context.Context, tx pgx.Tx) (Document, error) {
		return s.postSale(ctx, tx, in)
	})
	if err != nil {
		return Document{}, err
	}
	s.afterCommit(ctx, in.ActorID, "posting.sale", doc)
	return doc, nil
}

// PostPurchase commits a supplier bill: a cost layer per line, a journal for
// inventory, input tax, and settlement, and a bill document.
func (s *Service) PostPurchase(ctx context.Context, in PurchaseInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := s.run(ctx, in.IdempotencyKey, func(ctx context.Context, tx pgx.Tx) (Document, error) {
		return s.postPurchase(ctx, tx, in)
	})
	if err != nil {
		return Document{}, err
	}
	s.afterCommit(ctx, in.ActorID, "posting.purchase", doc)
	return doc, nil
}

// PostPayment commits a standalone customer receipt or supplier payment.
func (s *Service) PostPayment(ctx context.Context, in PaymentInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := s.run(ctx, in.IdempotencyKey, func(ctx context.Context, tx pgx.Tx) (Document, error) {
		return s.postPayment(ctx, tx, in)
	})
	if err != nil {
		return Document{}, err
	}
	s.afterCommit(ctx, in.ActorID, "posting.payment", doc)
	return doc, nil
}

// PostAdjustment commits a stock write-up or write-off with its shrinkage
// journal. A zero-value adjustment posts no journal.
func (s *Service) PostAdjustment(ctx context.Context, in AdjustmentInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := s.run(ctx, in.IdempotencyKey, func(ctx context.Context, tx pgx.Tx) (Document, error) {
		return s.postAdjustment(ctx, tx, in)
	})
	if err != nil {
		return Document{}, err
	}
	s.afterCommit(ctx, in.ActorID, "posting.adjustment", doc)
	return doc, nil
}

// ReverseDocument posts the equal-and-opposite journal, undoes the document's
// stock movement against the exact layers it touched, marks it REVERSED, and
// records a reversal document. The original rows are never modified beyond
// the status flag.
func (s *Service) ReverseDocument(ctx context.Context, in ReverseInput) (Document, error) {
	if err := in.Validate(); err != nil {
		return Document{}, err
	}
	doc, err := s.run(ctx, in.IdempotencyKey, func(ctx context.Context, tx pgx.Tx) (Document, error) {
		return s.reverse(ctx, tx, in)
	})
	if err != nil {
		return Document{}, err
	}
	if s.cache != nil && doc.ReversalOf != nil {
		if err := s.cache.Invalidate(ctx, *doc.ReversalOf); err != nil {
			s.log.Warn("cache invalidate failed", "document_id", *doc.ReversalOf, "error", err)
		}
	}
	s.afterCommit(ctx, in.ActorID, "posting.reverse", doc)
	return doc, nil
}

// GetDocument loads one document, trying the summary cache first.
func (s *Service) GetDocument(ctx context.Context, id int64) (Document, error) {
	if s.cache != nil {
		if doc, ok, err := s.cache.Get(ctx, id); err == nil && ok {
			return doc, nil
		}
	}
	doc, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if s.cache != nil {
		if err := s.cache.Store(ctx, doc); err != nil {
			s.log.Warn("cache store failed", "document_id", doc.ID, "error", err)
		}
	}
	return doc, nil
}

// ListDocuments lists recent documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	return s.docs.ListDocuments(ctx, limit)
}

// run wraps one posting in the idempotency guard and the retried transaction.
// The key is released again when the posting fails, so the client may retry.
func (s *Service) run(ctx context.Context, key string, fn func(ctx context.Context, tx pgx.Tx) (Document, error)) (Document, error) {
	if key != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			return Document{}, err
		}
	}
	var doc Document
	err := s.runner.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		doc, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		if key != "" && s.idem != nil {
			if delErr := s.idem.Delete(ctx, key); delErr != nil {
				s.log.Error("idempotency key release failed", "key", key, "error", delErr)
			}
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *Service) postSale(ctx context.Context, tx pgx.Tx, in SaleInput) (Document, error) {
	number, err := s.sequence.NextTx(ctx, tx, SeriesInvoice)
	if err != nil {
		return Document{}, err
	}
	sourceID := uuid.New()
	subtotal := in.Subtotal()
	total := subtotal.Sub(in.Discount).Add(in.Tax)
	due := total.Sub(in.Paid)

	var cogs decimal.Decimal
	for _, line := range in.Lines {
		w, err := s.costing.ConsumeTx(ctx, tx, costing.ConsumptionInput{
			ProductID: line.ProductID,
			Quantity:  line.Qty,
			Ref:       costing.Ref{Type: string(KindSale), ID: sourceID},
		})
		if err != nil {
			return Document{}, err
		}
		cogs = cogs.Add(w.TotalCost)
	}

	entries, err := s.resolveEntries(ctx, tx, []roleEntry{
		{RoleCash, ledger.SideDebit, in.Paid, ""},
		{RoleReceivable, ledger.SideDebit, due, ""},
		{RoleSales, ledger.SideCredit, subtotal.Sub(in.Discount), ""},
		{RoleTaxPayable, ledger.SideCredit, in.Tax, ""},
		{RoleCOGS, ledger.SideDebit, cogs, "cost of goods sold"},
		{RoleInventory, ledger.SideCredit, cogs, "cost of goods sold"},
	})
	if err != nil {
		return Document{}, err
	}
	if len(entries) == 0 {
		return Document{}, ErrNoEffect
	}
	journal, err := s.ledger.PostJournalTx(ctx, tx, ledger.PostingInput{
		Date:        s.now().UTC(),
		SourceType:  string(KindSale),
		SourceID:    sourceID,
		Description: fmt.Sprintf("Sale %s", number),
		Entries:     entries,
	})
	if err != nil {
		return Document{}, err
	}

	return s.docs.InsertDocument(ctx, tx, Document{
		Number:    number,
		Kind:      KindSale,
		Status:    StatusPosted,
		SourceID:  sourceID,
		PartyRef:  in.PartyRef,
		Subtotal:  subtotal,
		Discount:  in.Discount,
		Tax:       in.Tax,
		Total:     total,
		Paid:      in.Paid,
		Due:       due,
		JournalID: &journal.ID,
		Notes:     in.Notes,
	})
}

func (s *Service) postPurchase(ctx context.Context, tx pgx.Tx, in PurchaseInput) (Document, error) {
	number, err := s.sequence.NextTx(ctx, tx, SeriesBill)
	if err != nil {
		return Document{}, err
	}
	sourceID := uuid.New()
	goods := in.Subtotal()
	total := goods.Add(in.Tax)
	due := total.Sub(in.Paid)

	for _, line := range in.Lines {
		if _, err := s.costing.ReceiveTx(ctx, tx, costing.ReceiptInput{
			ProductID: line.ProductID,
			Quantity:  line.Qty,
			UnitCost:  line.UnitCost,
			Ref:       costing.Ref{Type: string(KindPurchase), ID: sourceID},
		}); err != nil {
			return Document{}, err
		}
	}

	entries, err := s.resolveEntries(ctx, tx, []roleEntry{
		{RoleInventory, ledger.SideDebit, goods, ""},
		{RoleTaxInput, ledger.SideDebit, in.Tax, ""},
		{RoleCash, ledger.SideCredit, in.Paid, ""},
		{RolePayable, ledger.SideCredit, due, ""},
	})
	if err != nil {
		return Document{}, err
	}
	if len(entries) == 0 {
		return Document{}, ErrNoEffect
	}
	journal, err := s.ledger.PostJournalTx(ctx, tx, ledger.PostingInput{
		Date:        s.now().UTC(),
		SourceType:  string(KindPurchase),
		SourceID:    sourceID,
		Description: fmt.Sprintf("Purchase %s", number),
		Entries:     entries,
	})
	if err != nil {
		return Document{}, err
	}

	return s.docs.InsertDocument(ctx, tx, Document{
		Number:    number,
		Kind:      KindPurchase,
		Status:    StatusPosted,
		SourceID:  sourceID,
		PartyRef:  in.PartyRef,
		Subtotal:  goods,
		Tax:       in.Tax,
		Total:     total,
		Paid:      in.Paid,
		Due:       due,
		JournalID: &journal.ID,
		Notes:     in.Notes,
	})
}

func (s *Service) postPayment(ctx context.Context, tx pgx.Tx, in PaymentInput) (Document, error) {
	series := SeriesReceipt
	specs := []roleEntry{
		{RoleCash, ledger.SideDebit, in.Amount, ""},
		{RoleReceivable, ledger.SideCredit, in.Amount, ""},
	}
	if in.Direction == DirectionPayment {
		series = SeriesPayment
		specs = []roleEntry{
			{RolePayable, ledger.SideDebit, in.Amount, ""},
			{RoleCash, ledger.SideCredit, in.Amount, ""},
		}
	}
	number, err := s.sequence.NextTx(ctx, tx, series)
	if err != nil {
		return Document{}, err
	}
	sourceID := uuid.New()

	entries, err := s.resolveEntries(ctx, tx, specs)
	if err != nil {
		return Document{}, err
	}
	journal, err := s.ledger.PostJournalTx(ctx, tx, ledger.PostingInput{
		Date:        s.now().UTC(),
		SourceType:  string(KindPayment),
		SourceID:    sourceID,
		Description: fmt.Sprintf("Payment %s", number),
		Entries:     entries,
	})
	if err != nil {
		return Document{}, err
	}

	return s.docs.InsertDocument(ctx, tx, Document{
		Number:    number,
		Kind:      KindPayment,
		Status:    StatusPosted,
		SourceID:  sourceID,
		PartyRef:  in.PartyRef,
		Subtotal:  in.Amount,
		Total:     in.Amount,
		Paid:      in.Amount,
		JournalID: &journal.ID,
		Notes:     in.Notes,
	})
}

func (s *Service) postAdjustment(ctx context.Context, tx pgx.Tx, in AdjustmentInput) (Document, error) {
	number, err := s.sequence.NextTx(ctx, tx, SeriesAdjustment)
	if err != nil {
		return Document{}, err
	}
	sourceID := uuid.New()

	adj, err := s.costing.AdjustTx(ctx, tx, costing.AdjustmentInput{
		ProductID: in.ProductID,
		DeltaQty:  in.DeltaQty,
		Reason:    in.Reason,
		Ref:       costing.Ref{Type: string(KindAdjustment), ID: sourceID},
	})
	if err != nil {
		return Document{}, err
	}

	// A write-up at zero average cost moves quantity but no value; there is
	// nothing to post to the ledger then.
	var journalID *int64
	if adj.Value.IsPositive() {
		specs := []roleEntry{
			{RoleShrinkage, ledger.SideDebit, adj.Value, in.Reason},
			{RoleInventory, ledger.SideCredit, adj.Value, in.Reason},
		}
		if in.DeltaQty.IsPositive() {
			specs = []roleEntry{
				{RoleInventory, ledger.SideDebit, adj.Value, in.Reason},
				{RoleShrinkage, ledger.SideCredit, adj.Value, in.Reason},
			}
		}
		entries, err := s.resolveEntries(ctx, tx, specs)
		if err != nil {
			return Document{}, err
		}
		journal, err := s.ledger.PostJournalTx(ctx, tx, ledger.PostingInput{
			Date:        s.now().UTC(),
			SourceType:  string(KindAdjustment),
			SourceID:    sourceID,
			Description: fmt.Sprintf("Adjustment %s", number),
			Entries:     entries,
		})
		if err != nil {
			return Document{}, err
		}
		journalID = &journal.ID
	}

	return s.docs.InsertDocument(ctx, tx, Document{
		Number:    number,
		Kind:      KindAdjustment,
		Status:    StatusPosted,
		SourceID:  sourceID,
		Subtotal:  adj.Value,
		Total:     adj.Value,
		JournalID: journalID,
		Notes:     notesWithReason(in.Notes, in.Reason),
	})
}

func (s *Service) reverse(ctx context.Context, tx pgx.Tx, in ReverseInput) (Document, error) {
	doc, err := s.docs.GetDocumentForUpdate(ctx, tx, in.DocumentID)
	if err != nil {
		return Document{}, err
	}
	if doc.Status == StatusReversed {
		return Document{}, fmt.Errorf("%w: document %s", ErrAlreadyReversed, doc.Number)
	}
	if doc.Kind == KindReversal {
		return Document{}, fmt.Errorf("%w: %s is a reversal", ErrNotReversible, doc.Number)
	}

	number, err := s.sequence.NextTx(ctx, tx, SeriesReversal)
	if err != nil {
		return Document{}, err
	}
	sourceID := uuid.New()
	revRef := costing.Ref{Type: string(KindReversal), ID: sourceID}

	var journalID *int64
	if doc.JournalID != nil {
		journal, err := s.ledger.ReversePostingTx(ctx, tx, ledger.ReverseInput{
			JournalID: *doc.JournalID,
			Reason:    in.Reason,
		})
		if err != nil {
			return Document{}, err
		}
		journalID = &journal.ID
	}

	// Undo stock against the exact rows this document created: consumption
	// records go back onto their layers, received layers are withdrawn. A
	// received layer that later sales already ate into fails the reversal
	// with ErrInsufficientStock.
	docRef := costing.Ref{Type: string(doc.Kind), ID: doc.SourceID}
	records, err := s.costing.ConsumptionsByRefTx(ctx, tx, docRef)
	if err != nil {
		return Document{}, err
	}
	if len(records) > 0 {
		if err := s.costing.RestoreTx(ctx, tx, records, revRef); err != nil {
			return Document{}, err
		}
	}
	layers, err := s.costing.LayersByRefTx(ctx, tx, docRef)
	if err != nil {
		return Document{}, err
	}
	for _, layer := range layers {
		if _, err := s.costing.WithdrawLayerTx(ctx, tx, layer.ID, layer.Quantity, revRef); err != nil {
			return Document{}, err
		}
	}

	if err := s.docs.SetStatus(ctx, tx, doc.ID, StatusReversed); err != nil {
		return Document{}, err
	}
	return s.docs.InsertDocument(ctx, tx, Document{
		Number:     number,
		Kind:       KindReversal,
		Status:     StatusPosted,
		SourceID:   sourceID,
		PartyRef:   doc.PartyRef,
		Subtotal:   doc.Subtotal,
		Discount:   doc.Discount,
		Tax:        doc.Tax,
		Total:      doc.Total,
		Paid:       doc.Paid,
		Due:        doc.Due,
		JournalID:  journalID,
		ReversalOf: &doc.ID,
		Notes:      in.Reason,
	})
}

type roleEntry struct {
	role      Role
	side      ledger.Side
	amount    decimal.Decimal
	narration string
}

// resolveEntries maps roles to account ids and drops zero-amount lines, so
// an unpaid sale carries no cash entry and a tax-free one no tax entry.
func (s *Service) resolveEntries(ctx context.Context, tx pgx.Tx, specs []roleEntry) ([]ledger.EntryInput, error) {
	entries := make([]ledger.EntryInput, 0, len(specs))
	for _, spec := range specs {
		if spec.amount.IsZero() {
			continue
		}
		accountID, err := s.docs.AccountIDByRole(ctx, tx, spec.role)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", spec.role, err)
		}
		entries = append(entries, ledger.EntryInput{
			AccountID: accountID,
			Side:      spec.side,
			Amount:    spec.amount,
			Narration: spec.narration,
		})
	}
	return entries, nil
}

func (s *Service) afterCommit(ctx context.Context, actorID int64, action string, doc Document) {
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "document",
			EntityID: doc.Number,
			Meta: map[string]any{
				"document_id": doc.ID,
				"kind":        doc.Kind,
				"total":       doc.Total.String(),
			},
		})
		if err != nil {
			s.log.Error("audit record failed", "document", doc.Number, "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Store(ctx, doc); err != nil {
			s.log.Warn("cache store failed", "document_id", doc.ID, "error", err)
		}
	}
}

func notesWithReason(notes, reason string) string {
	if notes != "" {
		return notes
	}
	return reason
}
