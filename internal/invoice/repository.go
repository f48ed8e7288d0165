package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradewind-erp/tradewind-erp/internal/ledger"
	"github.com/tradewind-erp/tradewind-erp/internal/platform/db"
	"github.com/tradewind-erp/tradewind-erp/internal/shared"
	"github.com/tradewind-erp/tradewind-erp/internal/stockledger"
)

// Repository persists invoices, lines and payments in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction. The
// transaction also backs the stock and financial-ledger writes obtained via
// Stock and PostDoubleEntry, so confirm/cancel side effects are atomic with
// the status change.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("invoice repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const invoiceColumns = `id, number, invoice_type, status, payment_status, counterparty_id,
subtotal, total_discount1, total_discount2, total_tax, gst18_total, gst4_total,
advance_tax_total, non_filer_gst_total, income_tax_total, grand_total, paid_amount,
invoice_date, due_date, claim_account_id, dimension, cancel_reason, COALESCE(created_by, 0), created_at, updated_at`

// Get loads an invoice with its line items.
func (r *Repository) Get(ctx context.Context, id int64) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
		}
		return nil, err
	}
	items, err := r.listLines(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return &inv, nil
}

// List returns invoices matching the filter, newest first. Lines are not
// loaded; listings are header-level.
func (r *Repository) List(ctx context.Context, req ListRequest) ([]Invoice, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if req.Type != "" {
		add("invoice_type=$%d", string(req.Type))
	}
	if req.Status != "" {
		add("status=$%d", string(req.Status))
	}
	if req.CounterpartyID != 0 {
		add("counterparty_id=$%d", req.CounterpartyID)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if req.Offset > 0 {
		args = append(args, req.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// LedgerEntries returns the double-entry legs posted against an invoice.
func (r *Repository) LedgerEntries(ctx context.Context, refType string, refID int64) ([]ledger.Entry, error) {
	return ledger.NewRepo(r.pool).ListByReference(ctx, refType, refID)
}

func (r *Repository) listLines(ctx context.Context, invoiceID int64) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, item_id, quantity, unit_price,
discount1_percent, discount1_amount, discount2_percent, discount2_amount,
gst_rate, advance_tax_percent, scheme1_quantity, scheme2_quantity,
batch_number, batch_manufactured_at, batch_expires_at,
line_total, discount1, discount2, taxable_amount, gst_amount, advance_tax_amount
FROM invoice_items WHERE invoice_id=$1 ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var line LineItem
		var batchNumber *string
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.ItemID, &line.Quantity, &line.UnitPrice,
			&line.Discount1Percent, &line.Discount1Amount, &line.Discount2Percent, &line.Discount2Amount,
			&line.GSTRate, &line.AdvanceTaxPercent, &line.Scheme1Quantity, &line.Scheme2Quantity,
			&batchNumber, &line.Batch.ManufacturedAt, &line.Batch.ExpiresAt,
			&line.LineTotal, &line.Discount1, &line.Discount2, &line.TaxableAmount, &line.GSTAmount, &line.AdvanceTaxAmount); err != nil {
			return nil, err
		}
		if batchNumber != nil {
			line.Batch.Number = *batchNumber
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (number, invoice_type, status, payment_status, counterparty_id,
subtotal, total_discount1, total_discount2, total_tax, gst18_total, gst4_total,
advance_tax_total, non_filer_gst_total, income_tax_total, grand_total, paid_amount,
invoice_date, due_date, claim_account_id, dimension, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,NOW(),NOW()) RETURNING id`,
		inv.Number, string(inv.Type), string(inv.Status), string(inv.PaymentStatus), inv.CounterpartyID,
		inv.Totals.Subtotal, inv.Totals.TotalDiscount1, inv.Totals.TotalDiscount2, inv.Totals.TotalTax,
		inv.Totals.GST18Total, inv.Totals.GST4Total, inv.Totals.AdvanceTaxTotal, inv.Totals.NonFilerGSTTotal,
		inv.Totals.IncomeTaxTotal, inv.Totals.GrandTotal, inv.Totals.PaidAmount,
		inv.InvoiceDate, inv.DueDate, inv.ClaimAccountID, inv.Dimension, nullInt(inv.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLines(ctx context.Context, invoiceID int64, lines []LineItem) error {
	for _, line := range lines {
		_, err := r.tx.Exec(ctx, `INSERT INTO invoice_items (invoice_id, item_id, quantity, unit_price,
discount1_percent, discount1_amount, discount2_percent, discount2_amount,
gst_rate, advance_tax_percent, scheme1_quantity, scheme2_quantity,
batch_number, batch_manufactured_at, batch_expires_at,
line_total, discount1, discount2, taxable_amount, gst_amount, advance_tax_amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			invoiceID, line.ItemID, line.Quantity, line.UnitPrice,
			line.Discount1Percent, line.Discount1Amount, line.Discount2Percent, line.Discount2Amount,
			line.GSTRate, line.AdvanceTaxPercent, line.Scheme1Quantity, line.Scheme2Quantity,
			nullString(line.Batch.Number), line.Batch.ManufacturedAt, line.Batch.ExpiresAt,
			line.LineTotal, line.Discount1, line.Discount2, line.TaxableAmount, line.GSTAmount, line.AdvanceTaxAmount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) DeleteLines(ctx context.Context, invoiceID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id=$1`, invoiceID)
	return err
}

func (r *txRepository) UpdateHeader(ctx context.Context, inv Invoice) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET
subtotal=$2, total_discount1=$3, total_discount2=$4, total_tax=$5, gst18_total=$6, gst4_total=$7,
advance_tax_total=$8, non_filer_gst_total=$9, income_tax_total=$10, grand_total=$11,
invoice_date=$12, due_date=$13, claim_account_id=$14, dimension=$15, updated_at=NOW()
WHERE id=$1 AND status='draft'`,
		inv.ID, inv.Totals.Subtotal, inv.Totals.TotalDiscount1, inv.Totals.TotalDiscount2, inv.Totals.TotalTax,
		inv.Totals.GST18Total, inv.Totals.GST4Total, inv.Totals.AdvanceTaxTotal, inv.Totals.NonFilerGSTTotal,
		inv.Totals.IncomeTaxTotal, inv.Totals.GrandTotal, inv.InvoiceDate, inv.DueDate, inv.ClaimAccountID, inv.Dimension)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: only draft invoices can be updated", shared.ErrStateConflict)
	}
	return nil
}

// SetStatusIf is the compare-and-set guard on lifecycle transitions. Zero
// affected rows means a concurrent transition got there first.
func (r *txRepository) SetStatusIf(ctx context.Context, id int64, from []Status, to Status, reason *string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET status=$2, cancel_reason=COALESCE($3, cancel_reason), updated_at=NOW()
WHERE id=$1 AND status = ANY($4)`, id, string(to), reason, statusStrings(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d is not in an eligible state", shared.ErrStateConflict, id)
	}
	return nil
}

func (r *txRepository) UpdatePayment(ctx context.Context, id int64, from []Status, paid float64, payStatus PaymentStatus, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE invoices SET paid_amount=$2, payment_status=$3, status=$4, updated_at=NOW()
WHERE id=$1 AND status = ANY($5)`, id, paid, string(payStatus), string(status), statusStrings(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d is not in an eligible state", shared.ErrStateConflict, id)
	}
	return nil
}

func (r *txRepository) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoice_payments (invoice_id, amount, method, reference, paid_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		p.InvoiceID, p.Amount, nullString(p.Method), nullString(p.Reference), p.PaidAt, nullInt(p.CreatedBy)).Scan(&id)
	return id, err
}

// InsertIdempotencyKey records the replay guard on this transaction, so a
// rollback releases the key along with the side effects it guarded.
func (r *txRepository) InsertIdempotencyKey(ctx context.Context, key string) error {
	return shared.InsertIdempotencyKey(ctx, r.tx, key, "invoice")
}

// Stock adapts the transaction for the stock ledger, so movement appends and
// item counter adjustments join this atomic unit.
func (r *txRepository) Stock() stockledger.TxRepository {
	return stockledger.NewTxRepository(r.tx)
}

// PostDoubleEntry posts both ledger legs over this transaction.
func (r *txRepository) PostDoubleEntry(ctx context.Context, in ledger.PostInput) (ledger.DoubleEntry, error) {
	return ledger.NewRepo(r.tx).CreateDoubleEntry(ctx, in)
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var invType, status, payStatus string
	err := row.Scan(&inv.ID, &inv.Number, &invType, &status, &payStatus, &inv.CounterpartyID,
		&inv.Totals.Subtotal, &inv.Totals.TotalDiscount1, &inv.Totals.TotalDiscount2, &inv.Totals.TotalTax,
		&inv.Totals.GST18Total, &inv.Totals.GST4Total, &inv.Totals.AdvanceTaxTotal, &inv.Totals.NonFilerGSTTotal,
		&inv.Totals.IncomeTaxTotal, &inv.Totals.GrandTotal, &inv.Totals.PaidAmount,
		&inv.InvoiceDate, &inv.DueDate, &inv.ClaimAccountID, &inv.Dimension, &inv.CancelReason,
		&inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Type = Type(invType)
	inv.Status = Status(status)
	inv.PaymentStatus = PaymentStatus(payStatus)
	return inv, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
