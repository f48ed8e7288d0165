package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/tradewind-erp/tradewind-erp/internal/jobs"
	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// OverdueScanner flags confirmed or partially paid invoices whose due date
// has passed. It records audit entries; dunning itself stays manual.
type OverdueScanner struct {
	pool    *pgxpool.Pool
	audit   AuditRecorder
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewOverdueScanner constructs the scanner. audit and metrics may be nil.
func NewOverdueScanner(pool *pgxpool.Pool, audit AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanner {
	return &OverdueScanner{pool: pool, audit: audit, logger: logger, metrics: metrics, now: time.Now}
}

type overdueInvoice struct {
	ID         int64
	Number     string
	GrandTotal float64
	PaidAmount float64
	DueDate    time.Time
}

// Run returns the number of overdue invoices found.
func (s *OverdueScanner) Run(ctx context.Context) (count int, err error) {
	tracker := s.metrics.Track("invoice_overdue_scan")
	defer func() { err = tracker.End(err) }()

	rows, err := s.pool.Query(ctx, `SELECT id, number, grand_total, paid_amount, due_date
FROM invoices WHERE status IN ('confirmed','partial') AND due_date < $1 ORDER BY due_date ASC`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("query overdue invoices: %w", err)
	}
	defer rows.Close()

	var overdue []overdueInvoice
	for rows.Next() {
		var inv overdueInvoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.GrandTotal, &inv.PaidAmount, &inv.DueDate); err != nil {
			return 0, err
		}
		overdue = append(overdue, inv)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, inv := range overdue {
		if s.logger != nil {
			s.logger.Warn("invoice overdue", "invoice_id", inv.ID, "number", inv.Number, "due_date", inv.DueDate, "outstanding", inv.GrandTotal-inv.PaidAmount)
		}
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Action:   "invoice:overdue",
				Entity:   "invoice",
				EntityID: fmt.Sprintf("%d", inv.ID),
				Meta: map[string]any{
					"number":      inv.Number,
					"due_date":    inv.DueDate.Format(time.RFC3339),
					"outstanding": inv.GrandTotal - inv.PaidAmount,
				},
				At: s.now(),
			})
		}
	}

	if s.logger != nil {
		s.logger.Info("overdue scan finished", "overdue", len(overdue))
	}
	return len(overdue), nil
}
