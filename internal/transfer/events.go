package transfer

import (
	"context"
	"time"
)

// ReceivedEvent is emitted when a transfer reaches RECEIVED, either
// through the one-step accept or the final receive of a staged flow.
type ReceivedEvent struct {
	TransferID     int64
	Number         string
	FromLocationID int64
	ToLocationID   int64
	Flow           FlowType
	ReceivedBy     int64
	ReceivedAt     time.Time
}

// IntegrationHandler receives transfer events for downstream wiring
// (notifications, cache warmup). Handlers run after the transaction
// committed; a failure is logged, never rolled into the transfer.
type IntegrationHandler interface {
	HandleTransferReceived(ctx context.Context, evt ReceivedEvent) error
}
