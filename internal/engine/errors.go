package engine

import (
	"errors"

	"github.com/pointex/exchange/internal/lmsr"
)

// User-visible errors: rejected preconditions reported back to the caller
// with a readable message.
var (
	ErrInvalidArgument      = errors.New("engine: quantity must be > 0")
	ErrInvalidSide          = errors.New("engine: side must be 'yes' or 'no'")
	ErrMarketNotFound       = errors.New("engine: market not found")
	ErrUserNotFound         = errors.New("engine: user not found")
	ErrPositionNotFound     = errors.New("engine: no position for this market")
	ErrMarketSettled        = errors.New("engine: market is settled")
	ErrAccessDenied         = errors.New("engine: you cannot trade this market")
	ErrInsufficientFunds    = errors.New("engine: not enough points for order")
	ErrInsufficientHoldings = errors.New("engine: not enough contracts to sell")
)

// Engine/state bugs: these indicate a broken invariant, roll back the
// transaction, and should surface to an operator channel.
var (
	ErrAMMInsolvent        = errors.New("engine: AMM does not have enough points to pay this sell")
	ErrCollateralShortfall = errors.New("engine: AMM lacks points for required collateral")
	ErrConsistency         = errors.New("engine: collateral exceeds requirement; state inconsistent")
)

// IsFatal reports whether err belongs to the engine-bug class that should
// alert an operator rather than just the caller.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAMMInsolvent) ||
		errors.Is(err, ErrCollateralShortfall) ||
		errors.Is(err, ErrConsistency) ||
		errors.Is(err, lmsr.ErrPricingOverflow)
}
