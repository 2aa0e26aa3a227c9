package posting

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/keystone-retail/keystone/internal/costing"
	"github.com/keystone-retail/keystone/internal/ledger"
	"github.com/keystone-retail/keystone/internal/sequence"
	"github.com/keystone-retail/keystone/internal/shared"
)

// snapshotter lets the fake runner capture and roll back state, mirroring
// what a database rollback does across all tables of one transaction.
type snapshotter interface {
	snapshot() func()
}

type memRunner struct {
	stores []snapshotter
}

func (r *memRunner) RunTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	restores := make([]func(), 0, len(r.stores))
	for _, store := range r.stores {
		restores = append(restores, store.snapshot())
	}
	if err := fn(ctx, nil); err != nil {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
		return err
	}
	return nil
}

// memLedger implements ledger.Repository in memory.
type memLedger struct {
	accounts map[int64]ledger.Account
	journals map[int64]*ledger.Journal
	nextID   int64
}

func newMemLedger() *memLedger {
	return &memLedger{
		accounts: make(map[int64]ledger.Account),
		journals: make(map[int64]*ledger.Journal),
	}
}

func (m *memLedger) snapshot() func() {
	accounts := make(map[int64]ledger.Account, len(m.accounts))
	for id, a := range m.accounts {
		accounts[id] = a
	}
	journals := make(map[int64]*ledger.Journal, len(m.journals))
	for id, j := range m.journals {
		cp := *j
		cp.Entries = append([]ledger.Entry(nil), j.Entries...)
		journals[id] = &cp
	}
	nextID := m.nextID
	return func() {
		m.accounts = accounts
		m.journals = journals
		m.nextID = nextID
	}
}

func (m *memLedger) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	rollback := m.snapshot()
	if err := fn(ctx, &memLedgerTx{m}); err != nil {
		rollback()
		return err
	}
	return nil
}

func (m *memLedger) Tx(tx pgx.Tx) ledger.TxRepository { return &memLedgerTx{m} }

func (m *memLedger) GetJournal(ctx context.Context, id int64) (ledger.Journal, error) {
	j, ok := m.journals[id]
	if !ok {
		return ledger.Journal{}, ledger.ErrJournalNotFound
	}
	return *j, nil
}

func (m *memLedger) ListJournals(ctx context.Context, limit int) ([]ledger.Journal, error) {
	ids := make([]int64, 0, len(m.journals))
	for id := range m.journals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	var out []ledger.Journal
	for _, id := range ids {
		out = append(out, *m.journals[id])
	}
	return out, nil
}

func (m *memLedger) GetAccountByCode(ctx context.Context, code string) (ledger.Account, error) {
	for _, a := range m.accounts {
		if a.Code == code {
			return a, nil
		}
	}
	return ledger.Account{}, ledger.ErrAccountNotFound
}

func (m *memLedger) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

type memLedgerTx struct {
	m *memLedger
}

func (t *memLedgerTx) GetAccountsForUpdate(ctx context.Context, ids []int64) (map[int64]ledger.Account, error) {
	out := make(map[int64]ledger.Account, len(ids))
	for _, id := range ids {
		if a, ok := t.m.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (t *memLedgerTx) InsertJournal(ctx context.Context, in ledger.PostingInput, reversalOf *int64) (ledger.Journal, error) {
	t.m.nextID++
	j := ledger.Journal{
		ID:          t.m.nextID,
		Date:        in.Date,
		SourceType:  in.SourceType,
		SourceID:    in.SourceID,
		Description: in.Description,
		ReversalOf:  reversalOf,
		PostedAt:    time.Now(),
	}
	t.m.journals[j.ID] = &j
	return j, nil
}

func (t *memLedgerTx) InsertEntries(ctx context.Context, journalID int64, inputs []ledger.EntryInput) ([]ledger.Entry, error) {
	j, ok := t.m.journals[journalID]
	if !ok {
		return nil, ledger.ErrJournalNotFound
	}
	for _, in := range inputs {
		t.m.nextID++
		j.Entries = append(j.Entries, ledger.Entry{
			ID:        t.m.nextID,
			JournalID: journalID,
			AccountID: in.AccountID,
			Side:      in.Side,
			Amount:    in.Amount,
			Narration: in.Narration,
		})
	}
	return j.Entries, nil
}

func (t *memLedgerTx) AddToBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	a, ok := t.m.accounts[accountID]
	if !ok {
		return ledger.ErrUnknownAccount
	}
	a.CurrentBalance = a.CurrentBalance.Add(delta)
	t.m.accounts[accountID] = a
	return nil
}

func (t *memLedgerTx) GetJournalWithEntries(ctx context.Context, journalID int64) (ledger.Journal, error) {
	return t.m.GetJournal(ctx, journalID)
}

func (t *memLedgerTx) HasReversal(ctx context.Context, journalID int64) (bool, error) {
	for _, j := range t.m.journals {
		if j.ReversalOf != nil && *j.ReversalOf == journalID {
			return true, nil
		}
	}
	return false, nil
}

// memStock implements costing.Repository in memory.
type memStock struct {
	products     map[int64]costing.Product
	layers       map[int64]*costing.Layer
	consumptions []costing.ConsumptionRecord
	nextID       int64
}

func newMemStock() *memStock {
	return &memStock{
		products: make(map[int64]costing.Product),
		layers:   make(map[int64]*costing.Layer),
	}
}

func (m *memStock) snapshot() func() {
	products := make(map[int64]costing.Product, len(m.products))
	for id, p := range m.products {
		products[id] = p
	}
	layers := make(map[int64]*costing.Layer, len(m.layers))
	for id, l := range m.layers {
		cp := *l
		layers[id] = &cp
	}
	consumptions := append([]costing.ConsumptionRecord(nil), m.consumptions...)
	nextID := m.nextID
	return func() {
		m.products = products
		m.layers = layers
		m.consumptions = consumptions
		m.nextID = nextID
	}
}

func (m *memStock) WithTx(ctx context.Context, fn func(context.Context, costing.TxRepository) error) error {
	rollback := m.snapshot()
	if err := fn(ctx, &memStockTx{m}); err != nil {
		rollback()
		return err
	}
	return nil
}

func (m *memStock) Tx(tx pgx.Tx) costing.TxRepository { return &memStockTx{m} }

func (m *memStock) GetProductByCode(ctx context.Context, code string) (costing.Product, error) {
	for _, p := range m.products {
		if p.Code == code {
			return p, nil
		}
	}
	return costing.Product{}, costing.ErrProductNotFound
}

func (m *memStock) ListLayers(ctx context.Context, productID int64) ([]costing.Layer, error) {
	return (&memStockTx{m}).fifoLayers(productID, false), nil
}

func (m *memStock) ListConsumptions(ctx context.Context, productID int64, limit int) ([]costing.ConsumptionRecord, error) {
	var out []costing.ConsumptionRecord
	for _, rec := range m.consumptions {
		if rec.ProductID == productID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memStockTx struct {
	m *memStock
}

func (t *memStockTx) fifoLayers(productID int64, openOnly bool) []costing.Layer {
	var out []costing.Layer
	for _, l := range t.m.layers {
		if l.ProductID != productID {
			continue
		}
		if openOnly && !l.RemainingQty.IsPositive() {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (t *memStockTx) GetProductForUpdate(ctx context.Context, productID int64) (costing.Product, error) {
	p, ok := t.m.products[productID]
	if !ok {
		return costing.Product{}, costing.ErrProductNotFound
	}
	return p, nil
}

func (t *memStockTx) LayersForUpdate(ctx context.Context, productID int64) ([]costing.Layer, error) {
	return t.fifoLayers(productID, true), nil
}

func (t *memStockTx) GetLayer(ctx context.Context, layerID int64) (costing.Layer, error) {
	l, ok := t.m.layers[layerID]
	if !ok {
		return costing.Layer{}, costing.ErrLayerNotFound
	}
	return *l, nil
}

func (t *memStockTx) GetLayerForUpdate(ctx context.Context, layerID int64) (costing.Layer, error) {
	return t.GetLayer(ctx, layerID)
}

func (t *memStockTx) InsertLayer(ctx context.Context, layer costing.Layer) (costing.Layer, error) {
	t.m.nextID++
	layer.ID = t.m.nextID
	layer.Seq = t.m.nextID
	layer.ReceivedAt = time.Now()
	t.m.layers[layer.ID] = &layer
	return layer, nil
}

func (t *memStockTx) SetLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error {
	l, ok := t.m.layers[layerID]
	if !ok {
		return costing.ErrLayerNotFound
	}
	l.RemainingQty = remaining
	return nil
}

func (t *memStockTx) InsertConsumption(ctx context.Context, record costing.ConsumptionRecord) (costing.ConsumptionRecord, error) {
	t.m.nextID++
	record.ID = t.m.nextID
	record.ConsumedAt = time.Now()
	t.m.consumptions = append(t.m.consumptions, record)
	return record, nil
}

func (t *memStockTx) SetOnHand(ctx context.Context, productID int64, onHand decimal.Decimal) error {
	p, ok := t.m.products[productID]
	if !ok {
		return costing.ErrProductNotFound
	}
	p.OnHand = onHand
	t.m.products[productID] = p
	return nil
}

func (t *memStockTx) LayersByRef(ctx context.Context, ref costing.Ref) ([]costing.Layer, error) {
	var out []costing.Layer
	for _, l := range t.m.layers {
		if l.SourceType == ref.Type && l.SourceID == ref.ID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (t *memStockTx) ConsumptionsByRef(ctx context.Context, ref costing.Ref) ([]costing.ConsumptionRecord, error) {
	var out []costing.ConsumptionRecord
	for _, rec := range t.m.consumptions {
		if rec.SourceType == ref.Type && rec.SourceID == ref.ID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// memDocs implements Repository with an in-process role mapping.
type memDocs struct {
	docs     map[int64]Document
	mappings map[Role]int64
	nextID   int64
}

func newMemDocs() *memDocs {
	return &memDocs{
		docs:     make(map[int64]Document),
		mappings: make(map[Role]int64),
	}
}

func (m *memDocs) snapshot() func() {
	docs := make(map[int64]Document, len(m.docs))
	for id, d := range m.docs {
		docs[id] = d
	}
	nextID := m.nextID
	return func() {
		m.docs = docs
		m.nextID = nextID
	}
}

func (m *memDocs) InsertDocument(ctx context.Context, tx pgx.Tx, doc Document) (Document, error) {
	m.nextID++
	doc.ID = m.nextID
	doc.PostedAt = time.Now()
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *memDocs) GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (m *memDocs) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status DocumentStatus) error {
	doc, ok := m.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.Status = status
	m.docs[id] = doc
	return nil
}

func (m *memDocs) AccountIDByRole(ctx context.Context, tx pgx.Tx, role Role) (int64, error) {
	id, ok := m.mappings[role]
	if !ok {
		return 0, ErrMappingNotFound
	}
	return id, nil
}

func (m *memDocs) GetDocument(ctx context.Context, id int64) (Document, error) {
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

func (m *memDocs) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	ids := make([]int64, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	var out []Document
	for _, id := range ids {
		out = append(out, m.docs[id])
	}
	return out, nil
}

// memSeq implements sequence.Store in memory.
type memSeq struct {
	series map[string]*sequence.Series
}

func newMemSeq() *memSeq {
	return &memSeq{series: make(map[string]*sequence.Series)}
}

func (m *memSeq) snapshot() func() {
	series := make(map[string]*sequence.Series, len(m.series))
	for name, s := range m.series {
		cp := *s
		series[name] = &cp
	}
	return func() {
		m.series = series
	}
}

func (m *memSeq) Increment(ctx context.Context, name string, year int) (sequence.Series, error) {
	s, ok := m.series[name]
	if !ok {
		return sequence.Series{}, sequence.ErrSeriesNotFound
	}
	if s.YearlyReset && s.LastResetYear != year {
		s.Value = 1
		s.LastResetYear = year
	} else {
		s.Value++
	}
	return *s, nil
}

func (m *memSeq) IncrementTx(ctx context.Context, tx pgx.Tx, name string, year int) (sequence.Series, error) {
	return m.Increment(ctx, name, year)
}

type memIdem struct {
	keys map[string]bool
}

func newMemIdem() *memIdem { return &memIdem{keys: make(map[string]bool)} }

func (m *memIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memIdem) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memAudit struct {
	logs []shared.AuditLog
}

func (m *memAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

// fixture wires the real engines over the in-memory stores.
type fixture struct {
	ledger *memLedger
	stock  *memStock
	docs   *memDocs
	seq    *memSeq
	idem   *memIdem
	audit  *memAudit
	svc    *Service
}

func newFixture() *fixture {
	f := &fixture{
		ledger: newMemLedger(),
		stock:  newMemStock(),
		docs:   newMemDocs(),
		seq:    newMemSeq(),
		idem:   newMemIdem(),
		audit:  &memAudit{},
	}
	runner := &memRunner{stores: []snapshotter{f.ledger, f.stock, f.docs, f.seq}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(
		runner,
		f.docs,
		ledger.NewService(f.ledger),
		costing.NewService(f.stock),
		sequence.NewIssuer(f.seq),
		log,
	).WithIdempotency(f.idem).WithAudit(f.audit)
	f.seedAccounts()
	f.seedSeries()
	return f
}

const (
	acctCash       int64 = 1
	acctReceivable int64 = 2
	acctInventory  int64 = 3
	acctTaxInput   int64 = 4
	acctPayable    int64 = 5
	acctTaxPayable int64 = 6
	acctSales      int64 = 7
	acctCOGS       int64 = 8
	acctShrinkage  int64 = 9
)

func (f *fixture) seedAccounts() {
	add := func(id int64, code, name string, typ ledger.AccountType, role Role) {
		f.ledger.accounts[id] = ledger.Account{ID: id, Code: code, Name: name, Type: typ, Active: true}
		f.docs.mappings[role] = id
	}
	add(acctCash, "1000", "Cash", ledger.AccountTypeAsset, RoleCash)
	add(acctReceivable, "1100", "Accounts Receivable", ledger.AccountTypeAsset, RoleReceivable)
	add(acctInventory, "1200", "Inventory", ledger.AccountTypeAsset, RoleInventory)
	add(acctTaxInput, "1300", "Input Tax", ledger.AccountTypeAsset, RoleTaxInput)
	add(acctPayable, "2000", "Accounts Payable", ledger.AccountTypeLiability, RolePayable)
	add(acctTaxPayable, "2100", "Tax Payable", ledger.AccountTypeLiability, RoleTaxPayable)
	add(acctSales, "4000", "Sales Revenue", ledger.AccountTypeIncome, RoleSales)
	add(acctCOGS, "5000", "Cost of Goods Sold", ledger.AccountTypeExpense, RoleCOGS)
	add(acctShrinkage, "5100", "Stock Shrinkage", ledger.AccountTypeExpense, RoleShrinkage)
}

func (f *fixture) seedSeries() {
	for name, prefix := range map[string]string{
		SeriesInvoice:    "INV",
		SeriesBill:       "BILL",
		SeriesReceipt:    "RCPT",
		SeriesPayment:    "PAY",
		SeriesAdjustment: "ADJ",
		SeriesReversal:   "REV",
	} {
		f.seq.series[name] = &sequence.Series{Name: name, Prefix: prefix, Pad: 6}
	}
}

func (f *fixture) seedProduct(id int64, code string) {
	f.stock.products[id] = costing.Product{ID: id, Code: code, Active: true}
}

func (f *fixture) balance(id int64) decimal.Decimal {
	return f.ledger.accounts[id].CurrentBalance
}

func (f *fixture) onHand(id int64) decimal.Decimal {
	return f.stock.products[id].OnHand
}

func (f *fixture) balancesString() string {
	var s string
	for id := int64(1); id <= 9; id++ {
		s += fmt.Sprintf("%d=%s;", id, f.balance(id))
	}
	return s
}
