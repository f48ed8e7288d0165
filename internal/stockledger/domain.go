package stockledger

import (
	"errors"
	"time"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementIn represents an inbound movement; quantity is positive.
	MovementIn MovementType = "in"
	// MovementOut represents an outbound movement; quantity is negative.
	MovementOut MovementType = "out"
	// MovementAdjustment represents a manual correction; either sign.
	MovementAdjustment MovementType = "adjustment"
)

// ReferenceType identifies the document that caused a movement.
type ReferenceType string

const (
	RefSalesInvoice    ReferenceType = "sales_invoice"
	RefPurchaseInvoice ReferenceType = "purchase_invoice"
	RefAdjustment      ReferenceType = "adjustment"
	RefOpeningBalance  ReferenceType = "opening_balance"
	RefTransfer        ReferenceType = "transfer"
)

// Batch carries optional batch traceability for a movement.
type Batch struct {
	Number         string
	ManufacturedAt *time.Time
	ExpiresAt      *time.Time
}

// Movement is one append-only stock ledger entry. Rows are never updated or
// deleted; corrections and cancellations append new rows.
type Movement struct {
	ID            int64
	ItemID        int64
	Type          MovementType
	Quantity      float64
	ReferenceType ReferenceType
	ReferenceID   int64
	Batch         Batch
	MovementDate  time.Time
	CreatedBy     int64
	CreatedAt     time.Time
}

// AppendInput describes a movement to append. Quantity is signed: positive
// for in, negative for out.
type AppendInput struct {
	ItemID        int64
	Type          MovementType
	Quantity      float64
	ReferenceType ReferenceType
	ReferenceID   int64
	Batch         Batch
	MovementDate  time.Time
	CreatedBy     int64
}

// ErrSignMismatch indicates a quantity whose sign contradicts the movement type.
var ErrSignMismatch = errors.New("stockledger: quantity sign does not match movement type")
