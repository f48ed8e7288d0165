package shared

import "errors"

var (
	// ErrNotFound indicates a missing invoice, item or counterparty.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict indicates an illegal lifecycle transition.
	ErrStateConflict = errors.New("state conflict")
	// ErrInternal indicates a storage or collaborator failure; the
	// operation's atomic unit did not commit.
	ErrInternal = errors.New("internal error")
)

// UserSafeMessage returns an error message suitable for API consumers.
// Internal failures are masked; the caller-correctable kinds pass through.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrStateConflict):
		return err.Error()
	default:
		return "internal error"
	}
}
