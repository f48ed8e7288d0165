package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewind-erp/tradewind-erp/internal/ledger"
	"github.com/tradewind-erp/tradewind-erp/internal/masterdata"
	"github.com/tradewind-erp/tradewind-erp/internal/shared"
	"github.com/tradewind-erp/tradewind-erp/internal/stockledger"
)

// TxRepository exposes the transactional operations the state machine needs.
// Everything obtained through it runs over one storage transaction, so the
// confirm/cancel triad (status CAS, stock writes, ledger posting) commits or
// fails as a unit.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertLines(ctx context.Context, invoiceID int64, lines []LineItem) error
	DeleteLines(ctx context.Context, invoiceID int64) error
	UpdateHeader(ctx context.Context, inv Invoice) error
	// SetStatusIf is a conditional update on status: zero affected rows means
	// the invoice was not in any of the expected states.
	SetStatusIf(ctx context.Context, id int64, from []Status, to Status, reason *string) error
	// UpdatePayment conditionally updates payment state while the invoice is
	// in one of the expected states.
	UpdatePayment(ctx context.Context, id int64, from []Status, paid float64, payStatus PaymentStatus, status Status) error
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	// InsertIdempotencyKey records the key on the same transaction as the
	// guarded side effects; a rollback releases it, so retrying the whole
	// operation is always safe.
	InsertIdempotencyKey(ctx context.Context, key string) error
	Stock() stockledger.TxRepository
	PostDoubleEntry(ctx context.Context, in ledger.PostInput) (ledger.DoubleEntry, error)
}

// RepositoryPort abstracts invoice persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
	LedgerEntries(ctx context.Context, refType string, refID int64) ([]ledger.Entry, error)
}

// ItemPort resolves item references.
type ItemPort interface {
	IsActive(ctx context.Context, id int64) (bool, error)
}

// CounterpartyPort resolves customer/supplier references.
type CounterpartyPort interface {
	Get(ctx context.Context, id int64) (masterdata.Counterparty, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups tax rates applied at invoice level.
type ServiceConfig struct {
	NonFilerGSTRate float64
	IncomeTaxRate   float64
}

// Service drives the invoice lifecycle: draft, confirmed, paid/partial,
// cancelled. Stock and financial-ledger side effects fire exactly once, at
// confirm and at cancel-of-confirmed.
type Service struct {
	repo           RepositoryPort
	stock          *stockledger.Ledger
	items          ItemPort
	counterparties CounterpartyPort
	audit          AuditPort
	cfg            ServiceConfig
	now            func() time.Time
}

// NewService constructs the invoice service. audit may be nil.
func NewService(repo RepositoryPort, stock *stockledger.Ledger, items ItemPort, counterparties CounterpartyPort, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{
		repo:           repo,
		stock:          stock,
		items:          items,
		counterparties: counterparties,
		audit:          audit,
		cfg:            cfg,
		now:            time.Now,
	}
}

// WithNow overrides the clock, used by tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateInput describes a new invoice.
type CreateInput struct {
	Number         string
	Type           Type
	CounterpartyID int64
	InvoiceDate    time.Time
	DueDate        time.Time
	ClaimAccountID *int64
	Dimension      string
	CreatedBy      int64
	Lines          []LineItem
}

// Create validates references, runs the tax engine and persists the invoice
// as a draft. Drafts carry no stock or ledger side effects.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Invoice, error) {
	if !input.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown invoice type %q", shared.ErrValidation, input.Type)
	}
	if input.CounterpartyID == 0 {
		return nil, fmt.Errorf("%w: counterparty required", shared.ErrValidation)
	}
	cp, err := s.counterparties.Get(ctx, input.CounterpartyID)
	if err != nil {
		return nil, err
	}
	if !cp.IsActive {
		return nil, fmt.Errorf("%w: counterparty %d is not active", shared.ErrValidation, cp.ID)
	}
	for _, line := range input.Lines {
		if err := s.checkLineRefs(ctx, line); err != nil {
			return nil, err
		}
	}

	lines, totals, err := CalculateInvoice(input.Lines, s.taxOptions(cp))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv := Invoice{
		Number:         input.Number,
		Type:           input.Type,
		Status:         StatusDraft,
		PaymentStatus:  PaymentPending,
		CounterpartyID: input.CounterpartyID,
		Totals:         totals,
		InvoiceDate:    defaultTime(input.InvoiceDate, now),
		DueDate:        input.DueDate,
		ClaimAccountID: input.ClaimAccountID,
		Dimension:      input.Dimension,
		CreatedBy:      input.CreatedBy,
	}
	if inv.Number == "" {
		inv.Number = generateNumber(input.Type, now)
	}

	var invoiceID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		invoiceID = id
		return tx.InsertLines(ctx, id, lines)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, input.CreatedBy, "invoice.create", invoiceID, map[string]any{"number": inv.Number, "type": string(inv.Type)})
	return s.repo.Get(ctx, invoiceID)
}

// UpdateInput patches a draft invoice. Nil fields are left unchanged; a
// non-nil Lines replaces all line items.
type UpdateInput struct {
	InvoiceDate    *time.Time
	DueDate        *time.Time
	ClaimAccountID *int64
	Dimension      *string
	Lines          *[]LineItem
}

// Update modifies a draft. Line items on a non-draft invoice are immutable.
func (s *Service) Update(ctx context.Context, id int64, input UpdateInput) (*Invoice, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusDraft {
		if input.Lines != nil {
			return nil, fmt.Errorf("%w: cannot modify confirmed invoice items", shared.ErrStateConflict)
		}
		return nil, fmt.Errorf("%w: only draft invoices can be updated", shared.ErrStateConflict)
	}

	if input.InvoiceDate != nil {
		existing.InvoiceDate = *input.InvoiceDate
	}
	if input.DueDate != nil {
		existing.DueDate = *input.DueDate
	}
	if input.ClaimAccountID != nil {
		existing.ClaimAccountID = input.ClaimAccountID
	}
	if input.Dimension != nil {
		existing.Dimension = *input.Dimension
	}

	var lines []LineItem
	if input.Lines != nil {
		cp, err := s.counterparties.Get(ctx, existing.CounterpartyID)
		if err != nil {
			return nil, err
		}
		for _, line := range *input.Lines {
			if err := s.checkLineRefs(ctx, line); err != nil {
				return nil, err
			}
		}
		var totals Totals
		lines, totals, err = CalculateInvoice(*input.Lines, s.taxOptions(cp))
		if err != nil {
			return nil, err
		}
		totals.PaidAmount = existing.Totals.PaidAmount
		existing.Totals = totals
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateHeader(ctx, *existing); err != nil {
			return err
		}
		if input.Lines == nil {
			return nil
		}
		if err := tx.DeleteLines(ctx, id); err != nil {
			return err
		}
		return tx.InsertLines(ctx, id, lines)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Confirm fires the stock and ledger side effects exactly once and moves the
// invoice from draft to confirmed. The status check-and-set, the movement
// appends, the item counter adjustments and the double-entry posting are one
// atomic unit: a failure anywhere leaves the invoice a draft with no effects.
func (s *Service) Confirm(ctx context.Context, id int64, userID int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft {
		return nil, fmt.Errorf("%w: only draft invoices can be confirmed", shared.ErrStateConflict)
	}
	if len(inv.Items) == 0 {
		return nil, fmt.Errorf("%w: invoice has no line items", shared.ErrValidation)
	}

	direction := inv.Type.StockDirection()
	refType := inv.Type.StockReference()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// The key lives and dies with this transaction: a rolled-back
		// confirm releases it, a committed one makes the replay a conflict.
		if err := tx.InsertIdempotencyKey(ctx, fmt.Sprintf("invoice-confirm:%d", id)); err != nil {
			return err
		}
		// Atomic guard-and-set: a concurrent confirm loses here, not after
		// the side effects.
		if err := tx.SetStatusIf(ctx, id, []Status{StatusDraft}, StatusConfirmed, nil); err != nil {
			return err
		}
		for _, line := range inv.Items {
			qty := line.Quantity
			if direction == stockledger.MovementOut {
				qty = -qty
			}
			if _, err := s.stock.AppendInTx(ctx, tx.Stock(), stockledger.AppendInput{
				ItemID:        line.ItemID,
				Type:          direction,
				Quantity:      qty,
				ReferenceType: refType,
				ReferenceID:   id,
				Batch:         line.Batch,
				CreatedBy:     userID,
			}); err != nil {
				return err
			}
		}
		return s.postConfirmEntry(ctx, tx, inv, userID)
	})
	if err != nil {
		return nil, err
	}

	s.stock.Invalidate(ctx, itemIDs(inv.Items)...)
	s.recordAudit(ctx, userID, "invoice.confirm", id, map[string]any{"number": inv.Number, "lines": len(inv.Items)})
	return s.repo.Get(ctx, id)
}

// Cancel moves a draft or confirmed invoice to cancelled. Cancelling a
// confirmed invoice appends one reversal per original movement, restoring
// each item's net stock to its pre-confirm value, and posts the reversing
// double entry. Paid invoices are settled documents; they need a refund, not
// a cancellation.
func (s *Service) Cancel(ctx context.Context, id int64, userID int64, reason string) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case StatusPaid, StatusPartial:
		return nil, fmt.Errorf("%w: cannot cancel paid invoice; process a refund", shared.ErrStateConflict)
	case StatusCancelled:
		return nil, fmt.Errorf("%w: invoice already cancelled", shared.ErrStateConflict)
	}

	if inv.Status == StatusDraft {
		// Pure status change; drafts never had side effects.
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.SetStatusIf(ctx, id, []Status{StatusDraft}, StatusCancelled, &reason)
		})
		if err != nil {
			return nil, err
		}
		s.recordAudit(ctx, userID, "invoice.cancel", id, map[string]any{"number": inv.Number, "reason": reason})
		return s.repo.Get(ctx, id)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertIdempotencyKey(ctx, fmt.Sprintf("invoice-cancel:%d", id)); err != nil {
			return err
		}
		if err := tx.SetStatusIf(ctx, id, []Status{StatusConfirmed}, StatusCancelled, &reason); err != nil {
			return err
		}
		if _, err := s.stock.ReverseInTx(ctx, tx.Stock(), inv.Type.StockReference(), id); err != nil {
			return err
		}
		return s.postCancelEntry(ctx, tx, inv, userID, reason)
	})
	if err != nil {
		return nil, err
	}

	s.stock.Invalidate(ctx, itemIDs(inv.Items)...)
	s.recordAudit(ctx, userID, "invoice.cancel", id, map[string]any{"number": inv.Number, "reason": reason})
	return s.repo.Get(ctx, id)
}

// PaymentInput describes a settlement.
type PaymentInput struct {
	Amount    float64
	Method    string
	Reference string
	CreatedBy int64
}

// MarkPaid settles the outstanding balance in full. Payments never touch
// stock; the invoice must already be confirmed.
func (s *Service) MarkPaid(ctx context.Context, id int64, input PaymentInput) (*Invoice, error) {
	inv, err := s.paymentTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	remaining := inv.Totals.GrandTotal - inv.Totals.PaidAmount
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: invoice already settled", shared.ErrStateConflict)
	}
	return s.applyPayment(ctx, inv, remaining, input)
}

// MarkPartiallyPaid settles part of the outstanding balance. Reaching the
// grand total flips the invoice to paid.
func (s *Service) MarkPartiallyPaid(ctx context.Context, id int64, input PaymentInput) (*Invoice, error) {
	if input.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
	}
	inv, err := s.paymentTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Totals.PaidAmount+input.Amount > inv.Totals.GrandTotal+0.005 {
		return nil, fmt.Errorf("%w: payment exceeds invoice total", shared.ErrValidation)
	}
	return s.applyPayment(ctx, inv, input.Amount, input)
}

// Get retrieves an invoice with its lines.
func (s *Service) Get(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.Get(ctx, id)
}

// List returns invoices matching the filter.
func (s *Service) List(ctx context.Context, req ListRequest) ([]Invoice, error) {
	return s.repo.List(ctx, req)
}

// LedgerEntries returns the financial postings made for an invoice, in
// posting order. Cancelled invoices show both the original and the reversal.
func (s *Service) LedgerEntries(ctx context.Context, id int64) ([]ledger.Entry, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.LedgerEntries(ctx, string(inv.Type.StockReference()), inv.ID)
}

func (s *Service) paymentTarget(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case StatusConfirmed, StatusPartial:
		return inv, nil
	case StatusDraft:
		return nil, fmt.Errorf("%w: confirm the invoice first", shared.ErrValidation)
	case StatusPaid:
		return nil, fmt.Errorf("%w: invoice already paid", shared.ErrStateConflict)
	default:
		return nil, fmt.Errorf("%w: cannot pay a cancelled invoice", shared.ErrStateConflict)
	}
}

func (s *Service) applyPayment(ctx context.Context, inv *Invoice, amount float64, input PaymentInput) (*Invoice, error) {
	newPaid := inv.Totals.PaidAmount + amount
	status, payStatus := StatusPartial, PaymentPartial
	if newPaid >= inv.Totals.GrandTotal-0.005 {
		newPaid = inv.Totals.GrandTotal
		status, payStatus = StatusPaid, PaymentPaid
	}
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.InsertPayment(ctx, Payment{
			InvoiceID: inv.ID,
			Amount:    amount,
			Method:    input.Method,
			Reference: input.Reference,
			PaidAt:    now,
			CreatedBy: input.CreatedBy,
		}); err != nil {
			return err
		}
		return tx.UpdatePayment(ctx, inv.ID, []Status{StatusConfirmed, StatusPartial}, newPaid, payStatus, status)
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, input.CreatedBy, "invoice.payment", inv.ID, map[string]any{"number": inv.Number, "amount": amount, "status": string(status)})
	return s.repo.Get(ctx, inv.ID)
}

// postConfirmEntry requests the balanced posting for a confirmed invoice.
// Zero-value invoices post nothing; the poster rejects non-positive amounts.
func (s *Service) postConfirmEntry(ctx context.Context, tx TxRepository, inv *Invoice, userID int64) error {
	if inv.Totals.GrandTotal == 0 {
		return nil
	}
	debit, credit := postingParties(inv)
	_, err := tx.PostDoubleEntry(ctx, ledger.PostInput{
		DebitParty:    debit,
		CreditParty:   credit,
		Amount:        inv.Totals.GrandTotal,
		Description:   fmt.Sprintf("Invoice %s confirmed", inv.Number),
		ReferenceType: string(inv.Type.StockReference()),
		ReferenceID:   inv.ID,
		PostedBy:      userID,
		PostedAt:      s.now().UTC(),
	})
	return err
}

// postCancelEntry reverses the confirm posting by swapping the legs.
func (s *Service) postCancelEntry(ctx context.Context, tx TxRepository, inv *Invoice, userID int64, reason string) error {
	if inv.Totals.GrandTotal == 0 {
		return nil
	}
	debit, credit := postingParties(inv)
	_, err := tx.PostDoubleEntry(ctx, ledger.PostInput{
		DebitParty:    credit,
		CreditParty:   debit,
		Amount:        inv.Totals.GrandTotal,
		Description:   fmt.Sprintf("Invoice %s cancelled: %s", inv.Number, reason),
		ReferenceType: string(inv.Type.StockReference()),
		ReferenceID:   inv.ID,
		PostedBy:      userID,
		PostedAt:      s.now().UTC(),
	})
	return err
}

// postingParties maps the invoice kind onto debit/credit accounts. Sales
// debit the customer receivable against revenue; purchases debit inventory
// against the supplier payable. Returns mirror their base document.
func postingParties(inv *Invoice) (ledger.Party, ledger.Party) {
	receivable := ledger.Party{Type: "receivable", ID: inv.CounterpartyID}
	payable := ledger.Party{Type: "payable", ID: inv.CounterpartyID}
	revenue := ledger.Party{Type: "revenue"}
	inventory := ledger.Party{Type: "inventory"}
	switch inv.Type {
	case TypeSales:
		return receivable, revenue
	case TypeReturnSales:
		return revenue, receivable
	case TypePurchase:
		return inventory, payable
	default: // return_purchase
		return payable, inventory
	}
}

func (s *Service) checkLineRefs(ctx context.Context, line LineItem) error {
	if line.ItemID == 0 {
		return fmt.Errorf("%w: line item reference required", shared.ErrValidation)
	}
	active, err := s.items.IsActive(ctx, line.ItemID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: item %d is not active", shared.ErrValidation, line.ItemID)
	}
	return stockledger.ValidateBatch(line.Batch)
}

func (s *Service) taxOptions(cp masterdata.Counterparty) TaxOptions {
	return TaxOptions{
		CounterpartyFiler: cp.TaxFiler,
		NonFilerGSTRate:   s.cfg.NonFilerGSTRate,
		IncomeTaxRate:     s.cfg.IncomeTaxRate,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, invoiceID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", invoiceID),
		Meta:     meta,
		At:       s.now(),
	})
}

func itemIDs(lines []LineItem) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ItemID)
	}
	return ids
}

func generateNumber(t Type, at time.Time) string {
	prefix := map[Type]string{
		TypeSales:          "SI",
		TypePurchase:       "PI",
		TypeReturnSales:    "SR",
		TypeReturnPurchase: "PR",
	}[t]
	return fmt.Sprintf("%s-%d", prefix, at.UnixNano())
}

func defaultTime(value, fallback time.Time) time.Time {
	if value.IsZero() {
		return fallback
	}
	return value
}
