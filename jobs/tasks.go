package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue all background jobs run on.
	QueueDefault = "default"

	// TaskDeliveryRefreshCounts reconciles the denormalized delivery
	// counters against the stop table.
	TaskDeliveryRefreshCounts = "delivery:refresh_counts"
	// TaskIdempotencyCleanup prunes expired idempotency claims.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
	// TaskStockIntegrityScan cross-checks balances against the movement log.
	TaskStockIntegrityScan = "ledger:integrity_scan"
)

// DeliveryRefreshCountsPayload scopes a counter refresh. A zero DeliveryID
// refreshes every delivery still in progress.
type DeliveryRefreshCountsPayload struct {
	DeliveryID int64 `json:"delivery_id"`
}

// NewDeliveryRefreshCountsTask builds the refresh task.
func NewDeliveryRefreshCountsTask(payload DeliveryRefreshCountsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliveryRefreshCounts, data), nil
}

// IdempotencyCleanupPayload bounds the retention window in hours. Zero means
// the worker default.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// StockIntegrityScanPayload narrows the scan to one warehouse, or all of
// them when zero.
type StockIntegrityScanPayload struct {
	WarehouseID int64 `json:"warehouse_id"`
}

// NewStockIntegrityScanTask builds the integrity scan task.
func NewStockIntegrityScanTask(payload StockIntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrityScan, data), nil
}
