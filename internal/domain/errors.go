package domain

import "errors"

// Error kinds. Every error returned by the ledger wraps exactly one of these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStorage           = errors.New("storage error")
)

var (
	ErrNonPositiveAmount = newError(ErrValidation, "amount must be greater than zero")
	ErrAmountPrecision   = newError(ErrValidation, "amount must have at most two decimal places")
	ErrAmountTooLarge    = newError(ErrValidation, "amount must not exceed 99999999999.99")
	ErrBalanceLimit      = newError(ErrValidation, "transfer would take the recipient's balance over 99999999999.99")
	ErrSelfTransfer      = newError(ErrValidation, "cannot send money to or request money from yourself")
	ErrUsernameTaken     = newError(ErrValidation, "username is already taken")

	ErrUserNotFound     = newError(ErrNotFound, "user not found")
	ErrAccountNotFound  = newError(ErrNotFound, "account not found")
	ErrTransferNotFound = newError(ErrNotFound, "transfer not found")

	ErrNotApprover = newError(ErrForbidden, "only the payer may approve or reject this request")

	ErrNotPendingRequest = newError(ErrInvalidTransition, "only pending requests can be approved or rejected")
	ErrUnsupportedStatus = newError(ErrInvalidTransition, "a request can only become approved or rejected")

	ErrBalanceTooLow = newError(ErrInsufficientFunds, "insufficient funds")

	ErrTransient = newError(ErrStorage, "the ledger is busy, please retry")
)

// Error is a specific failure carrying its kind and a user-facing message.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// Kind classifies an error for callers that render or map failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindInvalidTransition
	KindInsufficientFunds
	KindTransient
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTransient:
		return "transient"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err. Transient is checked before Storage since
// it wraps it.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}

// Message returns the specific user-facing message for err, or fallback when
// err carries none.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.msg
	}
	return fallback
}
