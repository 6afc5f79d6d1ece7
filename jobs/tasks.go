package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// QueueDefault is the only queue the worker consumes.
const QueueDefault = "default"

const (
	// TaskTypeExpirySweep retires expired batches branch by branch.
	TaskTypeExpirySweep = "stock:expiry_sweep"
	// TaskTypeLowStockScan reports batches at or below their reorder point.
	TaskTypeLowStockScan = "stock:low_stock_scan"
)

// ExpirySweepPayload carries scheduling metadata for the nightly sweep.
// SweepID ties the ledger entries and log lines of one run together.
type ExpirySweepPayload struct {
	SweepID      string    `json:"sweep_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs an expiry sweep task.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	payload := ExpirySweepPayload{SweepID: uuid.NewString(), ScheduledFor: at}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// LowStockScanPayload carries scheduling metadata for the reorder scan.
type LowStockScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLowStockScanTask constructs a low stock scan task.
func NewLowStockScanTask(at time.Time) (*asynq.Task, error) {
	payload := LowStockScanPayload{ScheduledFor: at}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLowStockScan, body, asynq.Queue(QueueDefault)), nil
}
