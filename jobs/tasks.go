package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockAlertScan refreshes the low-stock and expiry gauges.
	TaskStockAlertScan = "inventory:stock-alert-scan"
	// TaskLedgerReconcile replays every product ledger against stored stock.
	TaskLedgerReconcile = "inventory:ledger-reconcile"
)

// StockAlertScanPayload configures a stock alert scan. Zero horizon uses the monitor default.
type StockAlertScanPayload struct {
	HorizonDays int `json:"horizon_days"`
}

// LedgerReconcilePayload carries scheduling metadata and the fan-out limit.
type LedgerReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Concurrency  int       `json:"concurrency"`
}

// NewStockAlertScanTask constructs an Asynq task for the stock alert scan.
func NewStockAlertScanTask(horizonDays int) (*asynq.Task, error) {
	body, err := json.Marshal(StockAlertScanPayload{HorizonDays: horizonDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAlertScan, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerReconcileTask constructs an Asynq task for ledger reconciliation.
func NewLedgerReconcileTask(at time.Time, concurrency int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{ScheduledFor: at, Concurrency: concurrency})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}
