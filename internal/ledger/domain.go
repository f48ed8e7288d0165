// Package ledger exposes the double-entry posting contract consumed by the
// invoice lifecycle. The financial ledger's internal bookkeeping (periods,
// trial balance, closing) lives outside this module.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// Side marks a ledger entry leg.
type Side string

const (
	// SideDebit is the debit leg.
	SideDebit Side = "debit"
	// SideCredit is the credit leg.
	SideCredit Side = "credit"
)

// Party identifies the account a leg is posted against.
type Party struct {
	Type string
	ID   int64
}

// Entry is one leg of a balanced posting. Legs of the same posting share PairID.
type Entry struct {
	ID            int64
	PairID        uuid.UUID
	Party         Party
	Side          Side
	Amount        float64
	Description   string
	ReferenceType string
	ReferenceID   int64
	PostedBy      int64
	PostedAt      time.Time
}

// DoubleEntry groups the two legs created by a posting.
type DoubleEntry struct {
	Debit  Entry
	Credit Entry
}

// PostInput describes a balanced posting request.
type PostInput struct {
	DebitParty    Party
	CreditParty   Party
	Amount        float64
	Description   string
	ReferenceType string
	ReferenceID   int64
	PostedBy      int64
	PostedAt      time.Time
}

// Validate checks the posting preconditions.
func (in PostInput) Validate() error {
	if in.Amount <= 0 {
		return fmt.Errorf("%w: posting amount must be positive", shared.ErrValidation)
	}
	if in.DebitParty.Type == "" || in.CreditParty.Type == "" {
		return fmt.Errorf("%w: debit and credit parties required", shared.ErrValidation)
	}
	if in.ReferenceType == "" || in.ReferenceID == 0 {
		return fmt.Errorf("%w: posting reference required", shared.ErrValidation)
	}
	return nil
}

// ErrUnbalanced indicates a stored pair whose legs do not match.
var ErrUnbalanced = errors.New("ledger: unbalanced entry pair")
