package masterdata

import "time"

// CounterpartyKind distinguishes customers from suppliers.
type CounterpartyKind string

const (
	// KindCustomer marks a customer counterparty.
	KindCustomer CounterpartyKind = "customer"
	// KindSupplier marks a supplier counterparty.
	KindSupplier CounterpartyKind = "supplier"
)

// Item is a traded product. CurrentStock is the running on-hand counter
// maintained by relative adjustments; the stock ledger is the source of truth.
type Item struct {
	ID           int64
	Code         string
	Name         string
	Unit         string
	CurrentStock float64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Counterparty is a customer or supplier.
type Counterparty struct {
	ID        int64
	Kind      CounterpartyKind
	Code      string
	Name      string
	TaxFiler  bool
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
