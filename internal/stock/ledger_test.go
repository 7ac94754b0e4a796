package stock

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryTx struct {
	rows    map[string]Stock
	batches map[int64]Batch
}

func newMemoryTx() *memoryTx {
	return &memoryTx{rows: make(map[string]Stock), batches: make(map[int64]Batch)}
}

func rowKey(locationID, goodID int64, batch BatchRef) string {
	return fmt.Sprintf("%d:%d:%d", locationID, goodID, batch.Key())
}

func (tx *memoryTx) GetStockForUpdate(ctx context.Context, locationID, goodID int64, batch BatchRef) (Stock, error) {
	if row, ok := tx.rows[rowKey(locationID, goodID, batch)]; ok {
		return row, nil
	}
	return Stock{}, ErrStockRowNotFound
}

func (tx *memoryTx) UpsertStock(ctx context.Context, row Stock) error {
	tx.rows[rowKey(row.LocationID, row.GoodID, row.Batch)] = row
	return nil
}

func (tx *memoryTx) GetBatch(ctx context.Context, id int64) (Batch, error) {
	if b, ok := tx.batches[id]; ok {
		return b, nil
	}
	return Batch{}, ErrBatchNotFound
}

func (tx *memoryTx) FindBatchByNo(ctx context.Context, goodID int64, batchNo string) (Batch, error) {
	for _, b := range tx.batches {
		if b.GoodID == goodID && b.BatchNo == batchNo {
			return b, nil
		}
	}
	return Batch{}, ErrBatchNotFound
}

func (tx *memoryTx) CreateBatch(ctx context.Context, batch Batch) (int64, error) {
	if _, err := tx.FindBatchByNo(ctx, batch.GoodID, batch.BatchNo); err == nil {
		return 0, ErrBatchConflict
	}
	batch.ID = int64(len(tx.batches) + 1)
	tx.batches[batch.ID] = batch
	return batch.ID, nil
}

func (tx *memoryTx) ListBatchStock(ctx context.Context, locationID, goodID int64) ([]BatchStock, error) {
	return nil, nil
}

func (tx *memoryTx) seed(locationID, goodID int64, batch BatchRef, onHand, reserved, inTransit float64) {
	tx.rows[rowKey(locationID, goodID, batch)] = Stock{
		LocationID: locationID, GoodID: goodID, Batch: batch,
		OnHand: onHand, Reserved: reserved, InTransit: inTransit,
	}
}

func (tx *memoryTx) row(t *testing.T, locationID, goodID int64, batch BatchRef) Stock {
	t.Helper()
	row, ok := tx.rows[rowKey(locationID, goodID, batch)]
	require.True(t, ok, "expected stock row to exist")
	return row
}

func testLedger() *Ledger {
	return NewLedger(slog.Default())
}

func TestReserve(t *testing.T) {
	tx := newMemoryTx()
	tx.seed(1, 10, BatchID(5), 20, 0, 0)
	ledger := testLedger()
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, tx, 1, 10, BatchID(5), 8))
	row := tx.row(t, 1, 10, BatchID(5))
	require.InDelta(t, 8, row.Reserved, 0.0001)
	require.InDelta(t, 12, row.Available(), 0.0001)

	err := ledger.Reserve(ctx, tx, 1, 10, BatchID(5), 13)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestReserveOnMissingRow(t *testing.T) {
	tx := newMemoryTx()
	err := testLedger().Reserve(context.Background(), tx, 1, 10, NoBatch(), 1)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestReleaseReservationClampsAtZero(t *testing.T) {
	tx := newMemoryTx()
	tx.seed(1, 10, NoBatch(), 10, 3, 0)
	ledger := testLedger()

	require.NoError(t, ledger.ReleaseReservation(context.Background(), tx, 1, 10, NoBatch(), 5))
	row := tx.row(t, 1, 10, NoBatch())
	require.InDelta(t, 0, row.Reserved, 0.0001)
	require.InDelta(t, 10, row.OnHand, 0.0001)
}

func TestShipOutRequiresReservation(t *testing.T) {
	tx := newMemoryTx()
	tx.seed(1, 10, BatchID(2), 10, 0, 0)
	err := testLedger().ShipOut(context.Background(), tx, 1, 10, BatchID(2), 4)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestShipAndConfirmConservesQuantity(t *testing.T) {
	tx := newMemoryTx()
	batch := BatchID(7)
	tx.seed(1, 10, batch, 30, 12, 0)
	ledger := testLedger()
	ctx := context.Background()

	require.NoError(t, ledger.ShipOut(ctx, tx, 1, 10, batch, 12))
	require.NoError(t, ledger.ReceiveInTransit(ctx, tx, 2, 10, batch, 12))

	src := tx.row(t, 1, 10, batch)
	dst := tx.row(t, 2, 10, batch)
	require.InDelta(t, 18, src.OnHand, 0.0001)
	require.InDelta(t, 0, src.Reserved, 0.0001)
	require.InDelta(t, 12, dst.InTransit, 0.0001)

	require.NoError(t, ledger.ConfirmReceipt(ctx, tx, 2, 10, batch, 12))
	dst = tx.row(t, 2, 10, batch)
	require.InDelta(t, 12, dst.OnHand, 0.0001)
	require.InDelta(t, 0, dst.InTransit, 0.0001)

	total := src.OnHand + dst.OnHand
	require.InDelta(t, 30, total, 0.0001)
}

func TestConfirmReceiptExceedsInTransit(t *testing.T) {
	tx := newMemoryTx()
	tx.seed(2, 10, NoBatch(), 0, 0, 5)
	err := testLedger().ConfirmReceipt(context.Background(), tx, 2, 10, NoBatch(), 6)
	require.ErrorIs(t, err, ErrInsufficientInTransit)
}

func TestDirectAccept(t *testing.T) {
	tx := newMemoryTx()
	batch := BatchID(3)
	tx.seed(1, 10, batch, 15, 6, 0)
	ledger := testLedger()

	require.NoError(t, ledger.DirectAccept(context.Background(), tx, 1, 2, 10, batch, 6))
	src := tx.row(t, 1, 10, batch)
	dst := tx.row(t, 2, 10, batch)
	require.InDelta(t, 9, src.OnHand, 0.0001)
	require.InDelta(t, 0, src.Reserved, 0.0001)
	require.InDelta(t, 6, dst.OnHand, 0.0001)
	require.InDelta(t, 0, dst.InTransit, 0.0001)
}

func TestDirectAcceptRequiresReservation(t *testing.T) {
	tx := newMemoryTx()
	tx.seed(1, 10, BatchID(3), 15, 2, 0)
	err := testLedger().DirectAccept(context.Background(), tx, 1, 2, 10, BatchID(3), 6)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestInboundCreatesRow(t *testing.T) {
	tx := newMemoryTx()
	ledger := testLedger()

	require.NoError(t, ledger.Inbound(context.Background(), tx, 4, 10, BatchID(9), 25))
	row := tx.row(t, 4, 10, BatchID(9))
	require.InDelta(t, 25, row.OnHand, 0.0001)
}

func TestInvalidQuantities(t *testing.T) {
	tx := newMemoryTx()
	ledger := testLedger()
	ctx := context.Background()

	require.ErrorIs(t, ledger.Reserve(ctx, tx, 1, 1, NoBatch(), 0), ErrInvalidQuantity)
	require.ErrorIs(t, ledger.ShipOut(ctx, tx, 1, 1, NoBatch(), -2), ErrInvalidQuantity)
	require.ErrorIs(t, ledger.Inbound(ctx, tx, 1, 1, NoBatch(), 0), ErrInvalidQuantity)
}
