package domain

import "errors"

// Infrastructure errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Ledger error kinds. Every failed ledger operation wraps exactly one of
// these and leaves no observable state change.
var (
	ErrValidation             = errors.New("validation error")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrStateConflict          = errors.New("state conflict")
	ErrInvariantViolation     = errors.New("invariant violation")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrInvariantViolation, "invariant_violation"},
	{ErrUnauthorized, "unauthorized"},
	{ErrSlippageExceeded, "slippage_exceeded"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrStateConflict, "state_conflict"},
	{ErrNotFound, "not_found"},
	{ErrValidation, "validation"},
	{ErrRateLimited, "rate_limited"},
}

// ErrorKind returns a stable label for err, used in API responses and
// metrics. Unknown errors map to "internal".
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
