package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeExpiryScan lists batches nearing expiry per warehouse.
	TaskTypeExpiryScan = "inventory:expiry_scan"
	// TaskTypeIdempotencyCleanup prunes processed idempotency keys.
	TaskTypeIdempotencyCleanup = "maintenance:idempotency_cleanup"
	// TaskTypeTransferReceived notifies downstream systems of a completed
	// transfer.
	TaskTypeTransferReceived = "transfer:received"
)

// ExpiryScanPayload parameterises one expiry scan run.
type ExpiryScanPayload struct {
	HorizonHours int `json:"horizon_hours"`
}

// NewExpiryScanTask constructs the cron task.
func NewExpiryScanTask(horizon time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ExpiryScanPayload{HorizonHours: int(horizon.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExpiryScan, data), nil
}

// IdempotencyCleanupPayload parameterises the key retention sweep.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cron task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeIdempotencyCleanup, data), nil
}

// TransferReceivedPayload carries the facts of a completed transfer.
type TransferReceivedPayload struct {
	TransferID     int64     `json:"transfer_id"`
	Number         string    `json:"number"`
	FromLocationID int64     `json:"from_location_id"`
	ToLocationID   int64     `json:"to_location_id"`
	Flow           string    `json:"flow"`
	ReceivedBy     int64     `json:"received_by"`
	ReceivedAt     time.Time `json:"received_at"`
}

// NewTransferReceivedTask constructs the notification task.
func NewTransferReceivedTask(payload TransferReceivedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTransferReceived, data), nil
}
