package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-ims/atlas-ims/internal/stock"
)

// Status enumerates the transfer lifecycle.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusShipping  Status = "SHIPPING"
	StatusShipped   Status = "SHIPPED"
	StatusReceiving Status = "RECEIVING"
	StatusReceived  Status = "RECEIVED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReceived || s == StatusCancelled
}

// CanShip reports whether a staged transfer may ship lines.
func (s Status) CanShip() bool {
	return s == StatusApproved || s == StatusShipping
}

// CanReceive reports whether a staged transfer may receive lines.
func (s Status) CanReceive() bool {
	return s == StatusShipping || s == StatusShipped || s == StatusReceiving
}

// CanCancel reports whether the transfer may still be rejected.
func (s Status) CanCancel() bool {
	return s == StatusDraft || s == StatusApproved
}

// FlowType fixes, at creation time, which fulfillment path a transfer
// uses. A DIRECT transfer is accepted in one step with no in-transit
// stage; a STAGED transfer ships and receives separately. Tagging the
// instance keeps the two semantics from racing on one transfer.
type FlowType string

const (
	FlowDirect FlowType = "DIRECT"
	FlowStaged FlowType = "STAGED"
)

// Valid reports whether the flow type is one of the known values.
func (f FlowType) Valid() bool {
	return f == FlowDirect || f == FlowStaged
}

// Transfer is the header of a goods movement request.
type Transfer struct {
	ID             int64
	Number         string
	FromLocationID int64
	ToLocationID   int64
	Flow           FlowType
	Status         Status
	Note           string
	CreatedBy      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Item is one transfer line. ShippedQty and ReceivedQty start at zero
// and only grow, each bounded by Qty.
type Item struct {
	ID          int64
	TransferID  int64
	GoodID      int64
	Batch       stock.BatchRef
	Qty         float64
	ShippedQty  float64
	ReceivedQty float64
}

// ShipRemaining is the quantity not yet shipped.
func (i Item) ShipRemaining() float64 {
	return i.Qty - i.ShippedQty
}

// ReceiveRemaining is the shipped quantity not yet received.
func (i Item) ReceiveRemaining() float64 {
	return i.ShippedQty - i.ReceivedQty
}

var (
	// ErrInvalidState occurs when an operation is attempted from a status
	// or flow that forbids it.
	ErrInvalidState = errors.New("transfer: invalid state transition")
	// ErrNotFound indicates a missing transfer.
	ErrNotFound = errors.New("transfer: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("transfer: invalid input")
	// ErrBatchRequired indicates a line without a batch at submit time.
	ErrBatchRequired = errors.New("transfer: line requires a batch before approval")
)

// ShortfallError reports that FEFO allocation cannot fully satisfy a
// requested quantity. The accept path treats any shortfall as a hard
// failure; nothing is moved.
type ShortfallError struct {
	GoodID    int64
	Requested float64
	Shortfall float64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("transfer: good %d short by %.4f of %.4f requested", e.GoodID, e.Shortfall, e.Requested)
}
