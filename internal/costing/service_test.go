package costing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	products     map[int64]Product
	layers       map[int64]*Layer
	consumptions []ConsumptionRecord
	nextID       int64
	clock        time.Time
}

func newMemoryRepo(products ...Product) *memoryRepo {
	repo := &memoryRepo{
		products: make(map[int64]Product),
		layers:   make(map[int64]*Layer),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

func (r *memoryRepo) snapshot() func() {
	products := make(map[int64]Product, len(r.products))
	for id, p := range r.products {
		products[id] = p
	}
	layers := make(map[int64]*Layer, len(r.layers))
	for id, l := range r.layers {
		cp := *l
		layers[id] = &cp
	}
	consumptions := append([]ConsumptionRecord(nil), r.consumptions...)
	nextID := r.nextID
	return func() {
		r.products = products
		r.layers = layers
		r.consumptions = consumptions
		r.nextID = nextID
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	rollback := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		rollback()
		return err
	}
	return nil
}

func (r *memoryRepo) Tx(tx pgx.Tx) TxRepository { return &memoryTx{repo: r} }

func (r *memoryRepo) GetProductByCode(ctx context.Context, code string) (Product, error) {
	for _, product := range r.products {
		if product.Code == code {
			return product, nil
		}
	}
	return Product{}, ErrProductNotFound
}

func (r *memoryRepo) ListLayers(ctx context.Context, productID int64) ([]Layer, error) {
	return (&memoryTx{repo: r}).layersOf(productID, false), nil
}

func (r *memoryRepo) ListConsumptions(ctx context.Context, productID int64, limit int) ([]ConsumptionRecord, error) {
	var records []ConsumptionRecord
	for _, rec := range r.consumptions {
		if rec.ProductID == productID {
			records = append(records, rec)
		}
	}
	return records, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) layersOf(productID int64, openOnly bool) []Layer {
	var layers []Layer
	for _, layer := range tx.repo.layers {
		if layer.ProductID != productID {
			continue
		}
		if openOnly && !layer.RemainingQty.IsPositive() {
			continue
		}
		layers = append(layers, *layer)
	}
	for i := 0; i < len(layers); i++ {
		for j := i + 1; j < len(layers); j++ {
			a, b := layers[i], layers[j]
			if b.ReceivedAt.Before(a.ReceivedAt) || (b.ReceivedAt.Equal(a.ReceivedAt) && b.Seq < a.Seq) {
				layers[i], layers[j] = b, a
			}
		}
	}
	return layers
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, productID int64) (Product, error) {
	product, ok := tx.repo.products[productID]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return product, nil
}

func (tx *memoryTx) LayersForUpdate(ctx context.Context, productID int64) ([]Layer, error) {
	return tx.layersOf(productID, true), nil
}

func (tx *memoryTx) GetLayer(ctx context.Context, layerID int64) (Layer, error) {
	layer, ok := tx.repo.layers[layerID]
	if !ok {
		return Layer{}, ErrLayerNotFound
	}
	return *layer, nil
}

func (tx *memoryTx) GetLayerForUpdate(ctx context.Context, layerID int64) (Layer, error) {
	return tx.GetLayer(ctx, layerID)
}

func (tx *memoryTx) InsertLayer(ctx context.Context, layer Layer) (Layer, error) {
	tx.repo.nextID++
	layer.ID = tx.repo.nextID
	layer.Seq = tx.repo.nextID
	layer.ReceivedAt = tx.repo.clock
	tx.repo.layers[layer.ID] = &layer
	return layer, nil
}

func (tx *memoryTx) SetLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error {
	layer, ok := tx.repo.layers[layerID]
	if !ok {
		return ErrLayerNotFound
	}
	layer.RemainingQty = remaining
	return nil
}

func (tx *memoryTx) InsertConsumption(ctx context.Context, record ConsumptionRecord) (ConsumptionRecord, error) {
	tx.repo.nextID++
	record.ID = tx.repo.nextID
	record.ConsumedAt = tx.repo.clock
	tx.repo.consumptions = append(tx.repo.consumptions, record)
	return record, nil
}

func (tx *memoryTx) SetOnHand(ctx context.Context, productID int64, onHand decimal.Decimal) error {
	product, ok := tx.repo.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	product.OnHand = onHand
	tx.repo.products[productID] = product
	return nil
}

func (tx *memoryTx) LayersByRef(ctx context.Context, ref Ref) ([]Layer, error) {
	var layers []Layer
	for _, layer := range tx.repo.layers {
		if layer.SourceType == ref.Type && layer.SourceID == ref.ID {
			layers = append(layers, *layer)
		}
	}
	return layers, nil
}

func (tx *memoryTx) ConsumptionsByRef(ctx context.Context, ref Ref) ([]ConsumptionRecord, error) {
	var records []ConsumptionRecord
	for _, rec := range tx.repo.consumptions {
		if rec.SourceType == ref.Type && rec.SourceID == ref.ID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireOnHandConsistent(t *testing.T, repo *memoryRepo, productID int64) {
	t.Helper()
	var sum decimal.Decimal
	for _, layer := range repo.layers {
		if layer.ProductID == productID {
			sum = sum.Add(layer.RemainingQty)
			require.False(t, layer.RemainingQty.IsNegative(), "layer %d negative", layer.ID)
			require.False(t, layer.RemainingQty.GreaterThan(layer.Quantity), "layer %d over quantity", layer.ID)
		}
	}
	require.True(t, repo.products[productID].OnHand.Equal(sum),
		"on-hand %s != layer sum %s", repo.products[productID].OnHand, sum)
}

func testRef() Ref {
	return Ref{Type: "SALE", ID: uuid.New()}
}

func TestFIFOConsumption(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("100"), UnitCost: dec("150"), Ref: Ref{Type: "PURCHASE", ID: uuid.New()}})
	require.NoError(t, err)
	repo.clock = repo.clock.Add(time.Hour)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("50"), UnitCost: dec("180"), Ref: Ref{Type: "PURCHASE", ID: uuid.New()}})
	require.NoError(t, err)
	requireOnHandConsistent(t, repo, 1)

	w, err := svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("120"), Ref: testRef()})
	require.NoError(t, err)
	require.True(t, w.TotalCost.Equal(dec("18600")), "total cost %s", w.TotalCost)
	require.True(t, w.AvgUnitCost.Equal(dec("155")), "avg cost %s", w.AvgUnitCost)
	require.Len(t, w.Records, 2)
	require.True(t, w.Records[0].Quantity.Equal(dec("100")))
	require.True(t, w.Records[0].UnitCost.Equal(dec("150")))
	require.True(t, w.Records[1].Quantity.Equal(dec("20")))
	require.True(t, w.Records[1].UnitCost.Equal(dec("180")))

	layers, err := svc.ListLayers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	require.True(t, layers[0].RemainingQty.IsZero())
	require.True(t, layers[1].RemainingQty.Equal(dec("30")))
	requireOnHandConsistent(t, repo, 1)
}

func TestFIFOTimestampTieBrokenBySeq(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	// Same clock value for both receipts; insertion order must win.
	first, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("5"), Ref: testRef()})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("9"), Ref: testRef()})
	require.NoError(t, err)

	w, err := svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("10"), Ref: testRef()})
	require.NoError(t, err)
	require.Len(t, w.Records, 1)
	require.Equal(t, first.ID, w.Records[0].LayerID)
	require.True(t, w.TotalCost.Equal(dec("50")))
}

func TestConsumeInsufficientStock(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("30"), UnitCost: dec("10"), Ref: testRef()})
	require.NoError(t, err)

	_, err = svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("40"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInsufficientStock)

	// Nothing mutated: on-hand unchanged, single untouched layer.
	require.True(t, repo.products[1].OnHand.Equal(dec("30")))
	layers, _ := svc.ListLayers(ctx, 1)
	require.Len(t, layers, 1)
	require.True(t, layers[0].RemainingQty.Equal(dec("30")))
	requireOnHandConsistent(t, repo, 1)
}

func TestConsumeFractionalQuantities(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("2.500"), UnitCost: dec("4.40"), Ref: testRef()})
	require.NoError(t, err)

	w, err := svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("1.250"), Ref: testRef()})
	require.NoError(t, err)
	require.True(t, w.TotalCost.Equal(dec("5.50")), "total %s", w.TotalCost)
	requireOnHandConsistent(t, repo, 1)
}

func TestReceiveValidation(t *testing.T) {
	repo := newMemoryRepo(
		Product{ID: 1, Code: "SKU-1", Active: true},
		Product{ID: 2, Code: "SKU-2", Active: false},
	)
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("0"), UnitCost: dec("1"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("1.0005"), UnitCost: dec("1"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("1"), UnitCost: dec("-1"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInvalidUnitCost)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 2, Quantity: dec("1"), UnitCost: dec("1"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInactiveProduct)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 9, Quantity: dec("1"), UnitCost: dec("1"), Ref: testRef()})
	require.ErrorIs(t, err, ErrProductNotFound)
}

func TestAdjustPositiveUsesAverageCost(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("100"), Ref: testRef()})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("200"), Ref: testRef()})
	require.NoError(t, err)

	adj, err := svc.Adjust(ctx, AdjustmentInput{ProductID: 1, DeltaQty: dec("4"), Reason: "count surplus", Ref: Ref{Type: "ADJUSTMENT", ID: uuid.New()}})
	require.NoError(t, err)
	require.NotNil(t, adj.Receipt)
	require.True(t, adj.Receipt.UnitCost.Equal(dec("150")), "unit cost %s", adj.Receipt.UnitCost)
	require.True(t, adj.Value.Equal(dec("600")))
	require.True(t, repo.products[1].OnHand.Equal(dec("24")))
	requireOnHandConsistent(t, repo, 1)
}

func TestAdjustNegativeConsumesFIFO(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("5"), UnitCost: dec("20"), Ref: testRef()})
	require.NoError(t, err)

	adj, err := svc.Adjust(ctx, AdjustmentInput{ProductID: 1, DeltaQty: dec("-2"), Reason: "damaged", Ref: Ref{Type: "ADJUSTMENT", ID: uuid.New()}})
	require.NoError(t, err)
	require.NotNil(t, adj.Withdrawal)
	require.True(t, adj.Value.Equal(dec("40")))
	require.True(t, repo.products[1].OnHand.Equal(dec("3")))
	requireOnHandConsistent(t, repo, 1)

	_, err = svc.Adjust(ctx, AdjustmentInput{ProductID: 1, DeltaQty: dec("0"), Ref: testRef()})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestRestorePutsQuantityBackOnLayers(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("100"), UnitCost: dec("150"), Ref: testRef()})
	require.NoError(t, err)
	saleRef := Ref{Type: "SALE", ID: uuid.New()}
	w, err := svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("60"), Ref: saleRef})
	require.NoError(t, err)

	revRef := Ref{Type: "REVERSAL", ID: uuid.New()}
	err = repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		return svc.RestoreTx(ctx, nil, w.Records, revRef)
	})
	require.NoError(t, err)

	layers, _ := svc.ListLayers(ctx, 1)
	require.Len(t, layers, 1)
	require.True(t, layers[0].RemainingQty.Equal(dec("100")))
	require.True(t, repo.products[1].OnHand.Equal(dec("100")))
	requireOnHandConsistent(t, repo, 1)

	// Restoring the same records again would overflow the layer.
	err = repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		return svc.RestoreTx(ctx, nil, w.Records, revRef)
	})
	require.ErrorIs(t, err, ErrLayerOverflow)
	requireOnHandConsistent(t, repo, 1)
}

func TestWithdrawLayerForReceiptReversal(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	purchaseRef := Ref{Type: "PURCHASE", ID: uuid.New()}
	layer, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("7"), Ref: purchaseRef})
	require.NoError(t, err)

	revRef := Ref{Type: "REVERSAL", ID: uuid.New()}
	err = repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		_, err := svc.WithdrawLayerTx(ctx, nil, layer.ID, dec("10"), revRef)
		return err
	})
	require.NoError(t, err)
	require.True(t, repo.products[1].OnHand.IsZero())
	requireOnHandConsistent(t, repo, 1)
}

func TestWithdrawLayerPartiallyConsumed(t *testing.T) {
	repo := newMemoryRepo(Product{ID: 1, Code: "SKU-1", Active: true})
	svc := NewService(repo)
	ctx := context.Background()

	layer, err := svc.Receive(ctx, ReceiptInput{ProductID: 1, Quantity: dec("10"), UnitCost: dec("7"), Ref: testRef()})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumptionInput{ProductID: 1, Quantity: dec("4"), Ref: testRef()})
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, _ TxRepository) error {
		_, err := svc.WithdrawLayerTx(ctx, nil, layer.ID, dec("10"), Ref{Type: "REVERSAL", ID: uuid.New()})
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.True(t, repo.products[1].OnHand.Equal(dec("6")))
	requireOnHandConsistent(t, repo, 1)
}
