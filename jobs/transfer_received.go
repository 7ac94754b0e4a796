package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
)

// TransferReceivedJob handles completed-transfer notifications. The
// handler currently logs; delivery channels (mail, webhooks) hang off
// this point.
type TransferReceivedJob struct {
	Logger *slog.Logger
}

// NewTransferReceivedJob initialises the notification handler.
func NewTransferReceivedJob(logger *slog.Logger) *TransferReceivedJob {
	return &TransferReceivedJob{Logger: logger}
}

// Handle processes one notification.
func (j *TransferReceivedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("transfer received: handler not configured")
	}
	var payload TransferReceivedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.logger().Info("transfer received",
		slog.Int64("transfer_id", payload.TransferID),
		slog.String("number", payload.Number),
		slog.Int64("from_location_id", payload.FromLocationID),
		slog.Int64("to_location_id", payload.ToLocationID),
		slog.String("flow", payload.Flow),
		slog.Int64("received_by", payload.ReceivedBy),
	)
	return nil
}

func (j *TransferReceivedJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeTransferReceived))
	}
	return slog.Default().With(slog.String("job", TaskTypeTransferReceived))
}
