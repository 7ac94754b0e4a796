package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlas-ims/atlas-ims/internal/stock"
)

type memoryStore struct {
	orders        map[int64]PurchaseOrder
	lines         map[int64][]POLine
	receipts      map[int64]Receipt
	details       map[int64][]ReceiptDetail
	stocks        map[string]stock.Stock
	batches       map[int64]stock.Batch
	nextPOID      int64
	nextLineID    int64
	nextReceiptID int64
	nextDetailID  int64
	nextBatchID   int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:   make(map[int64]PurchaseOrder),
		lines:    make(map[int64][]POLine),
		receipts: make(map[int64]Receipt),
		details:  make(map[int64][]ReceiptDetail),
		stocks:   make(map[string]stock.Stock),
		batches:  make(map[int64]stock.Batch),
	}
}

func stockKey(locationID, goodID int64, batch stock.BatchRef) string {
	return fmt.Sprintf("%d:%d:%d", locationID, goodID, batch.Key())
}

func (s *memoryStore) stockRow(t *testing.T, locationID, goodID, batchID int64) stock.Stock {
	t.Helper()
	row, ok := s.stocks[stockKey(locationID, goodID, stock.BatchID(batchID))]
	require.True(t, ok, "expected stock row")
	return row
}

type memoryStockTx struct {
	store *memoryStore
}

func (tx *memoryStockTx) GetStockForUpdate(ctx context.Context, locationID, goodID int64, batch stock.BatchRef) (stock.Stock, error) {
	if row, ok := tx.store.stocks[stockKey(locationID, goodID, batch)]; ok {
		return row, nil
	}
	return stock.Stock{}, stock.ErrStockRowNotFound
}

func (tx *memoryStockTx) UpsertStock(ctx context.Context, row stock.Stock) error {
	tx.store.stocks[stockKey(row.LocationID, row.GoodID, row.Batch)] = row
	return nil
}

func (tx *memoryStockTx) GetBatch(ctx context.Context, id int64) (stock.Batch, error) {
	if b, ok := tx.store.batches[id]; ok {
		return b, nil
	}
	return stock.Batch{}, stock.ErrBatchNotFound
}

func (tx *memoryStockTx) FindBatchByNo(ctx context.Context, goodID int64, batchNo string) (stock.Batch, error) {
	for _, b := range tx.store.batches {
		if b.GoodID == goodID && b.BatchNo == batchNo {
			return b, nil
		}
	}
	return stock.Batch{}, stock.ErrBatchNotFound
}

func (tx *memoryStockTx) CreateBatch(ctx context.Context, batch stock.Batch) (int64, error) {
	if _, err := tx.FindBatchByNo(ctx, batch.GoodID, batch.BatchNo); err == nil {
		return 0, stock.ErrBatchConflict
	}
	tx.store.nextBatchID++
	batch.ID = tx.store.nextBatchID
	tx.store.batches[batch.ID] = batch
	return batch.ID, nil
}

func (tx *memoryStockTx) ListBatchStock(ctx context.Context, locationID, goodID int64) ([]stock.BatchStock, error) {
	return nil, nil
}

type memoryRepo struct {
	store *memoryStore
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{store: r.store})
}

func (r *memoryRepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, []POLine, error) {
	po, ok := r.store.orders[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	lines := make([]POLine, len(r.store.lines[id]))
	copy(lines, r.store.lines[id])
	return po, lines, nil
}

func (r *memoryRepo) ListPOs(ctx context.Context, status POStatus, supplierID int64, page, perPage int) ([]PurchaseOrder, int, error) {
	result := []PurchaseOrder{}
	for _, po := range r.store.orders {
		if status != "" && po.Status != status {
			continue
		}
		if supplierID != 0 && po.SupplierID != supplierID {
			continue
		}
		result = append(result, po)
	}
	return result, len(result), nil
}

func (r *memoryRepo) GetReceipt(ctx context.Context, id int64) (Receipt, []ReceiptDetail, error) {
	receipt, ok := r.store.receipts[id]
	if !ok {
		return Receipt{}, nil, ErrNotFound
	}
	details := make([]ReceiptDetail, len(r.store.details[id]))
	copy(details, r.store.details[id])
	return receipt, details, nil
}

type memoryTx struct {
	store *memoryStore
}

func (tx *memoryTx) Stock() stock.TxRepository {
	return &memoryStockTx{store: tx.store}
}

func (tx *memoryTx) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := tx.store.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

func (tx *memoryTx) GetPOLines(ctx context.Context, poID int64) ([]POLine, error) {
	lines := make([]POLine, len(tx.store.lines[poID]))
	copy(lines, tx.store.lines[poID])
	return lines, nil
}

func (tx *memoryTx) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	tx.store.nextPOID++
	po.ID = tx.store.nextPOID
	tx.store.orders[po.ID] = po
	return po.ID, nil
}

func (tx *memoryTx) InsertPOLine(ctx context.Context, line POLine) error {
	tx.store.nextLineID++
	line.ID = tx.store.nextLineID
	tx.store.lines[line.POID] = append(tx.store.lines[line.POID], line)
	return nil
}

func (tx *memoryTx) UpdatePOStatus(ctx context.Context, poID int64, status POStatus) error {
	po, ok := tx.store.orders[poID]
	if !ok {
		return ErrNotFound
	}
	po.Status = status
	tx.store.orders[poID] = po
	return nil
}

func (tx *memoryTx) UpdatePOLineProgress(ctx context.Context, lineID int64, receivedQty, price float64) error {
	for poID, lines := range tx.store.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				lines[i].ReceivedQty = receivedQty
				lines[i].Price = price
				tx.store.lines[poID] = lines
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) GetReceiptForUpdate(ctx context.Context, id int64) (Receipt, error) {
	receipt, ok := tx.store.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return receipt, nil
}

func (tx *memoryTx) GetReceiptDetails(ctx context.Context, receiptID int64) ([]ReceiptDetail, error) {
	details := make([]ReceiptDetail, len(tx.store.details[receiptID]))
	copy(details, tx.store.details[receiptID])
	return details, nil
}

func (tx *memoryTx) CreateReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	tx.store.nextReceiptID++
	receipt.ID = tx.store.nextReceiptID
	tx.store.receipts[receipt.ID] = receipt
	return receipt.ID, nil
}

func (tx *memoryTx) InsertReceiptDetail(ctx context.Context, detail ReceiptDetail) error {
	tx.store.nextDetailID++
	detail.ID = tx.store.nextDetailID
	tx.store.details[detail.ReceiptID] = append(tx.store.details[detail.ReceiptID], detail)
	return nil
}

func (tx *memoryTx) UpdateReceiptStatus(ctx context.Context, receiptID int64, status ReceiptStatus) error {
	receipt, ok := tx.store.receipts[receiptID]
	if !ok {
		return ErrNotFound
	}
	receipt.Status = status
	tx.store.receipts[receiptID] = receipt
	return nil
}

func newTestService(store *memoryStore) *Service {
	return NewService(&memoryRepo{store: store}, stock.NewLedger(slog.Default()), nil, nil, slog.Default())
}

func futureDate() *time.Time {
	d := time.Now().AddDate(0, 2, 0)
	return &d
}

func submittedPO(t *testing.T, svc *Service, lines []POLineInput) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{SupplierID: 7, Lines: lines})
	require.NoError(t, err)
	require.Equal(t, POStatusDraft, po.Status)
	require.NoError(t, svc.SubmitPurchaseOrder(ctx, po.ID, 1))
	return po
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	_, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{Lines: []POLineInput{{GoodID: 1, OrderedQty: 1}}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreatePurchaseOrder(ctx, CreatePOInput{SupplierID: 7})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreatePurchaseOrder(ctx, CreatePOInput{SupplierID: 7, Lines: []POLineInput{{GoodID: 1, OrderedQty: -5}}})
	require.ErrorIs(t, err, ErrValidation)

	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{SupplierID: 7, Lines: []POLineInput{{GoodID: 1, OrderedQty: 10, Price: 2.5}}})
	require.NoError(t, err)
	require.NotEmpty(t, po.Number)
	require.Equal(t, POStatusDraft, po.Status)
}

func TestSubmitPurchaseOrderOnlyFromDraft(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	err := svc.SubmitPurchaseOrder(ctx, po.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateReceiptFromPO(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{
		{GoodID: 1, OrderedQty: 100, Price: 3},
		{GoodID: 2, OrderedQty: 50},
	})

	receipt, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items: []ReceiptItemInput{
			{GoodID: 1, BatchNo: "LOT-A", ExpiryDate: futureDate(), Qty: 60},
			{GoodID: 2, BatchNo: "LOT-B", Qty: 50, Price: 1.2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusSubmitted, receipt.Status)
	require.Equal(t, int64(7), receipt.SupplierID)

	_, details, err := svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)
	require.Equal(t, int64(4), details[0].LocationID)

	// One batch registered per item.
	require.Len(t, store.batches, 2)

	// Line progress advanced; the unpriced line picked up the delivery price.
	_, lines, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.InDelta(t, 60, lines[0].ReceivedQty, 0.0001)
	require.InDelta(t, 3, lines[0].Price, 0.0001)
	require.InDelta(t, 50, lines[1].ReceivedQty, 0.0001)
	require.InDelta(t, 1.2, lines[1].Price, 0.0001)

	order, _, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusReceived, order.Status)

	// Nothing posted to the ledger yet.
	require.Empty(t, store.stocks)
}

func TestCreateReceiptRejectsGoodNotOnOrder(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 99, BatchNo: "LOT-X", Qty: 5}},
	})
	require.ErrorIs(t, err, ErrGoodNotOnOrder)
	require.Empty(t, store.receipts)
	require.Empty(t, store.batches)
}

func TestCreateReceiptRejectsDuplicateBatchInCall(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items: []ReceiptItemInput{
			{GoodID: 1, BatchNo: "LOT-A", Qty: 3},
			{GoodID: 1, BatchNo: "LOT-A", Qty: 4},
		},
	})
	require.ErrorIs(t, err, ErrDuplicateBatch)
	require.Empty(t, store.receipts)
	require.Empty(t, store.batches)
}

func TestCreateReceiptRejectsRegisteredBatch(t *testing.T) {
	store := newMemoryStore()
	store.nextBatchID = 1
	store.batches[1] = stock.Batch{ID: 1, GoodID: 1, BatchNo: "LOT-A"}
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 3}},
	})
	require.ErrorIs(t, err, ErrDuplicateBatch)
}

func TestCreateReceiptRejectsExpiredBatch(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	past := time.Now().AddDate(0, 0, -1)
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-OLD", ExpiryDate: &past, Qty: 3}},
	})
	require.ErrorIs(t, err, ErrExpiredBatch)
}

func TestCreateReceiptAcceptsBatchExpiringToday(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	today := time.Now().UTC().Truncate(24 * time.Hour)
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-TODAY", ExpiryDate: &today, Qty: 3}},
	})
	require.NoError(t, err)
}

func TestCreateReceiptRejectsSupplierMismatch(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		SupplierID: 8,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 3}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateReceiptRequiresReceivableOrder(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, CreatePOInput{SupplierID: 7, Lines: []POLineInput{{GoodID: 1, OrderedQty: 10}}})
	require.NoError(t, err)

	_, err = svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items:      []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 3}},
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSecondDeliveryAgainstSameOrder(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 100}})
	_, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID: po.ID, LocationID: 4,
		Items: []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 40}},
	})
	require.NoError(t, err)

	// RECEIVED stays receivable for the remainder of the order.
	_, err = svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID: po.ID, LocationID: 4,
		Items: []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-B", Qty: 60}},
	})
	require.NoError(t, err)

	_, lines, err := svc.GetPurchaseOrder(ctx, po.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, lines[0].ReceivedQty, 0.0001)
}

func TestConfirmReceiptPostsLedger(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{
		{GoodID: 1, OrderedQty: 100},
		{GoodID: 2, OrderedQty: 50},
	})
	receipt, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID:       po.ID,
		LocationID: 4,
		Items: []ReceiptItemInput{
			{GoodID: 1, BatchNo: "LOT-A", ExpiryDate: futureDate(), Qty: 60},
			{GoodID: 2, BatchNo: "LOT-B", Qty: 50},
		},
	})
	require.NoError(t, err)

	require.NoError(t, svc.ConfirmReceipt(ctx, receipt.ID, 1))

	_, details, err := svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.InDelta(t, 60, store.stockRow(t, 4, 1, details[0].BatchID).OnHand, 0.0001)
	require.InDelta(t, 50, store.stockRow(t, 4, 2, details[1].BatchID).OnHand, 0.0001)

	got, _, err := svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusConfirmed, got.Status)

	err = svc.ConfirmReceipt(ctx, receipt.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelReceiptLeavesLedgerUntouched(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	po := submittedPO(t, svc, []POLineInput{{GoodID: 1, OrderedQty: 10}})
	receipt, err := svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID: po.ID, LocationID: 4,
		Items: []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 5}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelReceipt(ctx, receipt.ID, 1))
	got, _, err := svc.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	require.Equal(t, ReceiptStatusCancelled, got.Status)
	require.Empty(t, store.stocks)

	// The registered batch number stays burned.
	_, err = svc.CreateReceiptFromPO(ctx, CreateReceiptInput{
		POID: po.ID, LocationID: 4,
		Items: []ReceiptItemInput{{GoodID: 1, BatchNo: "LOT-A", Qty: 5}},
	})
	require.ErrorIs(t, err, ErrDuplicateBatch)

	err = svc.ConfirmReceipt(ctx, receipt.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)
}
