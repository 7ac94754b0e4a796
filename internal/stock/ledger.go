package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// qtyEpsilon absorbs float accumulation noise; anything closer to zero
// than this is treated as zero.
const qtyEpsilon = 1e-4

// Ledger applies quantity movements to stock rows. Every method runs
// against the TxRepository of an enclosing transaction so a multi-row
// movement commits or rolls back as a whole; each write re-validates
// the non-negativity invariants before it is issued.
type Ledger struct {
	logger *slog.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// Reserve earmarks qty of OnHand on the given row. Fails with
// ErrInsufficientStock when qty exceeds OnHand-Reserved.
func (l *Ledger) Reserve(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	if row.Available()+qtyEpsilon < qty {
		return fmt.Errorf("good %d batch %s at location %d: have %.4f: %w", goodID, batch, locationID, row.Available(), ErrInsufficientStock)
	}
	row.Reserved += qty
	return l.write(ctx, tx, row)
}

// ReleaseReservation returns qty to availability, clamped at zero. A
// clamp means callers released more than was reserved; that is a bug
// worth surfacing, so it is logged rather than silently ignored.
func (l *Ledger) ReleaseReservation(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	row.Reserved -= qty
	if row.Reserved < -qtyEpsilon {
		l.logger.Warn("reservation release clamped",
			slog.Int64("location_id", locationID),
			slog.Int64("good_id", goodID),
			slog.String("batch", batch.String()),
			slog.Float64("released", qty),
			slog.Float64("deficit", -row.Reserved))
	}
	if row.Reserved < 0 {
		row.Reserved = 0
	}
	return l.write(ctx, tx, row)
}

// ShipOut removes qty from OnHand and Reserved at the source. Always
// called together with ReceiveInTransit inside the same transaction.
func (l *Ledger) ShipOut(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	if row.OnHand+qtyEpsilon < qty || row.Reserved+qtyEpsilon < qty {
		return fmt.Errorf("good %d batch %s at location %d: on hand %.4f reserved %.4f: %w", goodID, batch, locationID, row.OnHand, row.Reserved, ErrInsufficientStock)
	}
	row.OnHand -= qty
	row.Reserved -= qty
	return l.write(ctx, tx, row)
}

// ReceiveInTransit adds qty to InTransit at the destination, the
// companion of ShipOut.
func (l *Ledger) ReceiveInTransit(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	row.InTransit += qty
	return l.write(ctx, tx, row)
}

// ConfirmReceipt converts InTransit to OnHand at the destination.
func (l *Ledger) ConfirmReceipt(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	if row.InTransit+qtyEpsilon < qty {
		return fmt.Errorf("good %d batch %s at location %d: in transit %.4f: %w", goodID, batch, locationID, row.InTransit, ErrInsufficientInTransit)
	}
	row.InTransit -= qty
	row.OnHand += qty
	return l.write(ctx, tx, row)
}

// DirectAccept performs the one-step movement: source loses OnHand and
// Reserved, destination gains OnHand, no in-transit stage.
func (l *Ledger) DirectAccept(ctx context.Context, tx TxRepository, fromLocationID, toLocationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	src, err := l.rowForUpdate(ctx, tx, fromLocationID, goodID, batch)
	if err != nil {
		return err
	}
	if src.OnHand+qtyEpsilon < qty || src.Reserved+qtyEpsilon < qty {
		return fmt.Errorf("good %d batch %s at location %d: on hand %.4f reserved %.4f: %w", goodID, batch, fromLocationID, src.OnHand, src.Reserved, ErrInsufficientStock)
	}
	src.OnHand -= qty
	src.Reserved -= qty
	if err := l.write(ctx, tx, src); err != nil {
		return err
	}
	dst, err := l.rowForUpdate(ctx, tx, toLocationID, goodID, batch)
	if err != nil {
		return err
	}
	dst.OnHand += qty
	return l.write(ctx, tx, dst)
}

// Inbound adds received quantity to OnHand, used by the receiving
// workflow when a receipt is confirmed.
func (l *Ledger) Inbound(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef, qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	row, err := l.rowForUpdate(ctx, tx, locationID, goodID, batch)
	if err != nil {
		return err
	}
	row.OnHand += qty
	return l.write(ctx, tx, row)
}

// rowForUpdate loads the row under lock, lazily treating a missing row
// as all-zero. Rows are created on first write and never deleted.
func (l *Ledger) rowForUpdate(ctx context.Context, tx TxRepository, locationID, goodID int64, batch BatchRef) (Stock, error) {
	row, err := tx.GetStockForUpdate(ctx, locationID, goodID, batch)
	if err != nil {
		if errors.Is(err, ErrStockRowNotFound) {
			return Stock{LocationID: locationID, GoodID: goodID, Batch: batch}, nil
		}
		return Stock{}, err
	}
	return row, nil
}

func (l *Ledger) write(ctx context.Context, tx TxRepository, row Stock) error {
	normalize(&row)
	if err := checkInvariants(row); err != nil {
		return err
	}
	return tx.UpsertStock(ctx, row)
}

// normalize clamps float noise so rows settle on exact zeros.
func normalize(row *Stock) {
	for _, q := range []*float64{&row.OnHand, &row.Reserved, &row.InTransit} {
		if *q > -qtyEpsilon && *q < qtyEpsilon {
			*q = 0
		}
	}
}

// checkInvariants is the last guard before a write reaches the store:
// OnHand, Reserved and InTransit stay non-negative and a reservation
// never exceeds physical quantity.
func checkInvariants(row Stock) error {
	if row.OnHand < 0 || row.Reserved < 0 {
		return fmt.Errorf("good %d batch %s at location %d: negative balance: %w", row.GoodID, row.Batch, row.LocationID, ErrInsufficientStock)
	}
	if row.InTransit < 0 {
		return fmt.Errorf("good %d batch %s at location %d: negative in-transit: %w", row.GoodID, row.Batch, row.LocationID, ErrInsufficientInTransit)
	}
	if row.Reserved > row.OnHand+qtyEpsilon {
		return fmt.Errorf("good %d batch %s at location %d: reserved %.4f exceeds on hand %.4f: %w", row.GoodID, row.Batch, row.LocationID, row.Reserved, row.OnHand, ErrInsufficientStock)
	}
	return nil
}
