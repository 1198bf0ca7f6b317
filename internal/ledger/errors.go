package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// classify maps pricing-library errors onto the ledger error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, curve.ErrNonMonotonic), errors.Is(err, pricing.ErrNonMonotonic):
		return fmt.Errorf("%w: %w", domain.ErrInvariantViolation, err)
	case errors.Is(err, pricing.ErrInsufficientSeed), errors.Is(err, pricing.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientCollateral, err)
	case errors.Is(err, curve.ErrInsufficientSupply):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientBalance, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Overflow-checked helpers for ledger bookkeeping. Overflow here means
// caller input pushed an amount past 2^256 and is reported as a
// validation error.

func add(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := fp.Add(x, y)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return z, nil
}

// sub is used where the ledger has already proven x >= y; an underflow is
// therefore an invariant violation.
func sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := fp.Sub(x, y)
	if err != nil {
		return nil, violation("%s - %s underflows", fp.Format(x), fp.Format(y))
	}
	return z, nil
}
