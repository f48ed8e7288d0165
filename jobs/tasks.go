package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockIntegrityScan reconciles item counters against the movement log.
	TaskStockIntegrityScan = "stock:integrity-scan"
	// TaskInvoiceOverdueScan flags confirmed invoices past their due date.
	TaskInvoiceOverdueScan = "invoice:overdue-scan"
	// TaskIdempotencyCleanup prunes processed idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// NewStockIntegrityScanTask constructs the nightly reconciliation task.
func NewStockIntegrityScanTask() *asynq.Task {
	return asynq.NewTask(TaskStockIntegrityScan, nil)
}

// NewInvoiceOverdueScanTask constructs the overdue-invoice scan task.
func NewInvoiceOverdueScanTask() *asynq.Task {
	return asynq.NewTask(TaskInvoiceOverdueScan, nil)
}

// NewIdempotencyCleanupTask constructs the key-retention task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
