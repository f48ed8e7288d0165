package invoice

import (
	"time"

	"github.com/tradewind-erp/tradewind-erp/internal/stockledger"
)

// Type enumerates invoice kinds. Returns move stock opposite to their base
// document.
type Type string

const (
	TypeSales          Type = "sales"
	TypePurchase       Type = "purchase"
	TypeReturnSales    Type = "return_sales"
	TypeReturnPurchase Type = "return_purchase"
)

// Valid reports whether the type is known.
func (t Type) Valid() bool {
	switch t {
	case TypeSales, TypePurchase, TypeReturnSales, TypeReturnPurchase:
		return true
	}
	return false
}

// StockDirection returns the movement type confirm-time stock effects use.
// Line quantities are magnitudes; direction comes from the invoice type.
func (t Type) StockDirection() stockledger.MovementType {
	switch t {
	case TypePurchase, TypeReturnSales:
		return stockledger.MovementIn
	default:
		return stockledger.MovementOut
	}
}

// StockReference returns the ledger reference type for this invoice kind.
func (t Type) StockReference() stockledger.ReferenceType {
	switch t {
	case TypePurchase, TypeReturnPurchase:
		return stockledger.RefPurchaseInvoice
	default:
		return stockledger.RefSalesInvoice
	}
}

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusPaid      Status = "paid"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
)

// PaymentStatus tracks settlement progress independently of lifecycle state.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// LineItem is one invoice line. Quantity is a magnitude; stock direction
// comes from the invoice type. Discount amounts, when set, override the
// percent-derived values. Computed fields are filled by the tax engine and
// rounded once at the boundary.
type LineItem struct {
	ID        int64
	InvoiceID int64
	ItemID    int64
	Quantity  float64
	UnitPrice float64

	Discount1Percent float64
	Discount1Amount  *float64
	Discount2Percent float64
	Discount2Amount  *float64

	GSTRate           float64
	AdvanceTaxPercent float64

	Scheme1Quantity float64
	Scheme2Quantity float64

	Batch stockledger.Batch

	// Computed by the tax engine.
	LineTotal        float64
	Discount1        float64
	Discount2        float64
	TaxableAmount    float64
	GSTAmount        float64
	AdvanceTaxAmount float64
}

// Totals aggregates the invoice-level monetary figures downstream reports
// consume bit-for-bit.
type Totals struct {
	Subtotal         float64
	TotalDiscount1   float64
	TotalDiscount2   float64
	TotalTax         float64
	GST18Total       float64
	GST4Total        float64
	AdvanceTaxTotal  float64
	NonFilerGSTTotal float64
	IncomeTaxTotal   float64
	GrandTotal       float64
	PaidAmount       float64
}

// Invoice owns its line items; item and counterparty references stay opaque
// identifiers resolved through repositories.
type Invoice struct {
	ID             int64
	Number         string
	Type           Type
	Status         Status
	PaymentStatus  PaymentStatus
	CounterpartyID int64
	Items          []LineItem
	Totals         Totals
	InvoiceDate    time.Time
	DueDate        time.Time
	ClaimAccountID *int64
	Dimension      string
	CancelReason   *string
	CreatedBy      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payment records one settlement against a confirmed invoice.
type Payment struct {
	ID        int64
	InvoiceID int64
	Amount    float64
	Method    string
	Reference string
	PaidAt    time.Time
	CreatedBy int64
}

// ListRequest filters invoice listings.
type ListRequest struct {
	Type           Type
	Status         Status
	CounterpartyID int64
	Limit          int
	Offset         int
}
