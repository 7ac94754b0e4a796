package stock

import (
	"errors"
	"fmt"
	"time"
)

// BatchRef identifies the batch dimension of a ledger row. The zero
// value refers to the unbatched bucket of a (location, good) pair,
// which carries coarse reservation bookkeeping and is a first-class
// ledger row of its own.
type BatchRef struct {
	id int64
}

// BatchID references a concrete batch.
func BatchID(id int64) BatchRef {
	if id <= 0 {
		return BatchRef{}
	}
	return BatchRef{id: id}
}

// NoBatch references the unbatched bucket.
func NoBatch() BatchRef {
	return BatchRef{}
}

// Specified reports whether the reference points at a concrete batch.
func (b BatchRef) Specified() bool {
	return b.id != 0
}

// Value returns the batch id and whether one is set.
func (b BatchRef) Value() (int64, bool) {
	return b.id, b.id != 0
}

// Key returns the storage key, zero for the unbatched bucket.
func (b BatchRef) Key() int64 {
	return b.id
}

func (b BatchRef) String() string {
	if b.id == 0 {
		return "unbatched"
	}
	return fmt.Sprintf("%d", b.id)
}

// Batch identifies a receipt-specific lot of a good. Created exactly
// once per (good, batch number); immutable thereafter.
type Batch struct {
	ID         int64
	GoodID     int64
	BatchNo    string
	ExpiryDate *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the batch expiry lies before now. Batches
// without expiry never expire.
func (b Batch) Expired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

// Stock is the ledger row keyed by (location, good, batch).
type Stock struct {
	LocationID int64
	GoodID     int64
	Batch      BatchRef
	OnHand     float64
	Reserved   float64
	InTransit  float64
	Version    int64
	UpdatedAt  time.Time
}

// Available is the portion of OnHand not earmarked for an approved
// outbound movement.
func (s Stock) Available() float64 {
	return s.OnHand - s.Reserved
}

// BatchStock is a batched ledger row joined with its batch, the input
// shape for expiry-aware allocation.
type BatchStock struct {
	BatchID    int64
	BatchNo    string
	ExpiryDate *time.Time
	OnHand     float64
	Available  float64
}

// BatchAvailability is one row of the availability listing.
type BatchAvailability struct {
	GoodID     int64   `json:"good_id"`
	SKU        string  `json:"sku"`
	BatchID    int64   `json:"batch_id,omitempty"`
	BatchNo    string  `json:"batch_no,omitempty"`
	ExpiryDate *string `json:"expiry_date,omitempty"`
	Available  float64 `json:"available"`
}

// AvailabilityFilter narrows the availability listing. Either GoodID
// or Keyword must be set; LocationIDs is the resolved descendant set.
type AvailabilityFilter struct {
	LocationIDs []int64
	GoodID      int64
	Keyword     string
}

var (
	// ErrInsufficientStock triggered when a movement would drive OnHand or
	// Reserved negative, or a reservation exceeds availability.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInsufficientInTransit triggered when confirming more than was shipped.
	ErrInsufficientInTransit = errors.New("stock: insufficient in-transit quantity")
	// ErrConcurrencyConflict indicates a version mismatch on write.
	ErrConcurrencyConflict = errors.New("stock: concurrent update detected")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be positive")
	// ErrBatchNotFound indicates a missing batch row.
	ErrBatchNotFound = errors.New("stock: batch not found")
	// ErrBatchConflict indicates a duplicate batch number for a good.
	ErrBatchConflict = errors.New("stock: batch number already registered for good")
	// ErrStockRowNotFound indicates a missing ledger row; ledger operations
	// treat it as an all-zero row.
	ErrStockRowNotFound = errors.New("stock: ledger row not found")
)
