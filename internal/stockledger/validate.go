package stockledger

import (
	"fmt"
	"time"

	"github.com/tradewind-erp/tradewind-erp/internal/shared"
)

// ValidateAppend checks the movement invariants before persistence. The rules
// live here, not in storage hooks, so they stay visible and testable.
func ValidateAppend(in AppendInput, now time.Time) error {
	if in.ItemID == 0 {
		return fmt.Errorf("%w: item id required", shared.ErrValidation)
	}
	if in.Quantity == 0 {
		return fmt.Errorf("%w: quantity must not be zero", shared.ErrValidation)
	}
	switch in.Type {
	case MovementIn:
		if in.Quantity < 0 {
			return fmt.Errorf("%w: %s", shared.ErrValidation, ErrSignMismatch)
		}
	case MovementOut:
		if in.Quantity > 0 {
			return fmt.Errorf("%w: %s", shared.ErrValidation, ErrSignMismatch)
		}
	case MovementAdjustment:
		// either sign
	default:
		return fmt.Errorf("%w: unknown movement type %q", shared.ErrValidation, in.Type)
	}
	if in.ReferenceType == "" {
		return fmt.Errorf("%w: reference type required", shared.ErrValidation)
	}
	if !in.MovementDate.IsZero() && in.MovementDate.After(now) {
		return fmt.Errorf("%w: movement date cannot be in the future", shared.ErrValidation)
	}
	return ValidateBatch(in.Batch)
}

// ValidateBatch checks batch date ordering when both dates are present.
func ValidateBatch(b Batch) error {
	if b.ManufacturedAt != nil && b.ExpiresAt != nil && b.ManufacturedAt.After(*b.ExpiresAt) {
		return fmt.Errorf("%w: batch manufacturing date after expiry", shared.ErrValidation)
	}
	return nil
}
