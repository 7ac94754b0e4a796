package receiving

import (
	"errors"
	"time"
)

// POStatus enumerates the purchase order lifecycle.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusSubmitted POStatus = "SUBMITTED"
	POStatusReceived  POStatus = "RECEIVED"
	POStatusClosed    POStatus = "CLOSED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Receivable reports whether a receipt may be opened against the order.
func (s POStatus) Receivable() bool {
	return s == POStatusSubmitted || s == POStatusReceived
}

// ReceiptStatus enumerates the receipt lifecycle. A receipt is created
// SUBMITTED with batches already registered; CONFIRMED posts it to the
// ledger; CANCELLED abandons it before confirmation.
type ReceiptStatus string

const (
	ReceiptStatusSubmitted ReceiptStatus = "SUBMITTED"
	ReceiptStatusConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptStatusCancelled ReceiptStatus = "CANCELLED"
)

// PurchaseOrder is the header of an inbound order.
type PurchaseOrder struct {
	ID         int64
	Number     string
	SupplierID int64
	Status     POStatus
	Note       string
	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// POLine is one ordered good. Price starts zero and is backfilled from
// the first receipt that carries one.
type POLine struct {
	ID          int64
	POID        int64
	GoodID      int64
	OrderedQty  float64
	ReceivedQty float64
	Price       float64
}

// Receipt records one delivery against a purchase order.
type Receipt struct {
	ID         int64
	Number     string
	POID       int64
	SupplierID int64
	Status     ReceiptStatus
	Note       string
	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReceiptDetail is one received batch line. BatchID references the
// batch registered when the receipt was created.
type ReceiptDetail struct {
	ID         int64
	ReceiptID  int64
	GoodID     int64
	BatchID    int64
	Qty        float64
	Price      float64
	LocationID int64
}

var (
	// ErrNotFound indicates a missing purchase order or receipt.
	ErrNotFound = errors.New("receiving: not found")
	// ErrInvalidState occurs when an operation is attempted from a status
	// that forbids it.
	ErrInvalidState = errors.New("receiving: invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("receiving: invalid input")
	// ErrGoodNotOnOrder indicates a receipt line for a good the order
	// never listed.
	ErrGoodNotOnOrder = errors.New("receiving: good is not on the purchase order")
	// ErrDuplicateBatch indicates a batch number already registered for
	// the good, in this receipt or a previous one.
	ErrDuplicateBatch = errors.New("receiving: batch number already registered for good")
	// ErrExpiredBatch indicates an expiry date in the past.
	ErrExpiredBatch = errors.New("receiving: batch expiry date is in the past")
)
