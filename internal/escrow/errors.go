package escrow

import (
	"errors"
	"fmt"

	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/money"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrForbidden          = errors.New("not authorized for this operation")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("version conflict")
	ErrAmountMismatch     = errors.New("observed amount does not match transaction amount")
	ErrAlreadyResolved    = errors.New("dispute already resolved")
	ErrClosed             = errors.New("dispute is closed")
	ErrInvalidOutcome     = errors.New("invalid dispute outcome")
	ErrInvalidDisputeType = errors.New("invalid dispute type")

	ErrInsufficientEscrow = ledger.ErrInsufficientEscrow
	ErrAlreadyHeld        = ledger.ErrAlreadyHeld
	ErrInvalidAmount      = money.ErrInvalidAmount
)

// errNoop tells mutate that an operation succeeded without changing state.
var errNoop = errors.New("no-op")

// TransitionError reports an operation attempted from a state that does not
// allow it.
type TransitionError struct {
	Current   string
	Attempted string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %s", e.Attempted, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ForbiddenError reports an actor that may not perform an action.
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %q may not %s", e.Actor, e.Action)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

func invalidTransition[S ~string](current S, attempted string) error {
	return &TransitionError{Current: string(current), Attempted: attempted}
}

func forbidden(actor Actor, action string) error {
	return &ForbiddenError{Actor: actor.ID, Action: action}
}

// IsRetryable reports whether err may succeed if the caller reloads and
// tries again. Only version conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Kind returns a stable snake_case code for err, used for HTTP error bodies
// and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrInsufficientEscrow):
		return "insufficient_escrow"
	case errors.Is(err, ErrAlreadyHeld):
		return "already_held"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrUnsupportedCurrency):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, ErrInvalidDisputeType):
		return "invalid_dispute_type"
	}
	return "internal_error"
}
