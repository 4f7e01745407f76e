// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2) for binary markets)
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Side identifies one leg of a binary market.
type Side string

const (
	Yes Side = "yes"
	No  Side = "no"
)

// Valid reports whether s is "yes" or "no".
func (s Side) Valid() bool { return s == Yes || s == No }

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Yes {
		return No
	}
	return Yes
}

// TradeMode selects whether a budget inversion targets buy cost or sell payout.
type TradeMode string

const (
	ModeBuy  TradeMode = "buy"
	ModeSell TradeMode = "sell"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPricingOverflow is returned when log-sum-exp saturates to a
	// non-finite value.
	ErrPricingOverflow = errors.New("lmsr: pricing overflow")

	// ErrBudgetInsufficient is returned when a budget cannot afford even
	// one whole contract.
	ErrBudgetInsufficient = errors.New("lmsr: budget insufficient for 1 contract")
)

// PriceScale is the number of decimal places for price/cost rounding.
var PriceScale int32 = 8

// maxBudgetQuantity caps the doubling search so a huge budget cannot
// expand the bracket without bound.
const maxBudgetQuantity = 1_000_000_000

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(exp(a) + exp(b)) using the log-sum-exp trick to
// prevent floating-point overflow. Without this trick, exp(x) overflows
// float64 when x > ~709.
//
// Algorithm: LSE(a,b) = m + ln(exp(a-m) + exp(b-m)) with m = max(a,b),
// so both exp arguments are in [0, 1].
func logSumExp(a, b float64) (float64, error) {
	m := math.Max(a, b)
	if math.IsInf(m, 0) || math.IsNaN(m) {
		return 0, ErrPricingOverflow
	}
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m)), nil
}

// costPotential computes C(qYes, qNo) = b * ln(exp(qYes/b) + exp(qNo/b))
// in float64.
func (m *MarketMaker) costPotential(qYes, qNo float64) (float64, error) {
	bf := m.b.InexactFloat64()
	lse, err := logSumExp(qYes/bf, qNo/bf)
	if err != nil {
		return 0, err
	}
	return bf * lse, nil
}

// Cost computes the LMSR cost potential:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) (decimal.Decimal, error) {
	c, err := m.costPotential(qYes.InexactFloat64(), qNo.InexactFloat64())
	if err != nil {
		return decimal.Zero, err
	}
	if !isFinite(c) {
		return decimal.Zero, ErrPricingOverflow
	}
	return decimal.NewFromFloat(c).Round(PriceScale), nil
}

// TradeCost computes the cost to change the quantity of one side by delta:
//
//	cost = C(q + delta·side) - C(q)
//
// Positive delta = buying (positive cost to trader).
// Negative delta = selling (negative cost = payout to trader).
func (m *MarketMaker) TradeCost(qYes, qNo, delta decimal.Decimal, side Side) (decimal.Decimal, error) {
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()
	d := delta.InexactFloat64()

	before, err := m.costPotential(qy, qn)
	if err != nil {
		return decimal.Zero, err
	}

	var after float64
	if side == Yes {
		after, err = m.costPotential(qy+d, qn)
	} else {
		after, err = m.costPotential(qy, qn+d)
	}
	if err != nil {
		return decimal.Zero, err
	}

	cost := after - before
	if !isFinite(cost) {
		return decimal.Zero, ErrPricingOverflow
	}
	return decimal.NewFromFloat(cost).Round(PriceScale), nil
}

// YesPrice computes the instantaneous price (probability) for the YES side:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//
// This is the softmax function. Uses max-subtraction for numerical
// stability; quantities whose ratio saturates float64 collapse the softmax
// to its limit, so the result is always in [0, 1].
func (m *MarketMaker) YesPrice(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	p := expYes / (expYes + expNo)
	if !isFinite(p) {
		// A non-finite ratio makes the max-subtraction produce exp(NaN).
		// The softmax limit is still well defined, so saturate instead of
		// handing NaN to the decimal conversion.
		switch {
		case yOverB > nOverB:
			p = 1
		case yOverB < nOverB:
			p = 0
		default:
			p = 0.5
		}
	}
	return decimal.NewFromFloat(p).Round(PriceScale)
}

// Price returns the instantaneous price of the given side.
func (m *MarketMaker) Price(side Side, qYes, qNo decimal.Decimal) decimal.Decimal {
	yes := m.YesPrice(qYes, qNo)
	if side == Yes {
		return yes
	}
	return decimal.NewFromInt(1).Sub(yes)
}

// MaxQuantityForBudget returns the largest whole number of contracts q >= 1
// such that the buy cost (ModeBuy) or sell payout (ModeSell) of q contracts
// does not exceed budget. The result is tight: cost(q) <= budget < cost(q+1),
// where a non-finite cost at the upper edge counts as exceeding the budget.
//
// Algorithm: doubling search to bracket, then integer binary search.
func (m *MarketMaker) MaxQuantityForBudget(qYes, qNo decimal.Decimal, side Side, budget decimal.Decimal, mode TradeMode) (int64, error) {
	if budget.LessThanOrEqual(decimal.Zero) {
		return 0, ErrBudgetInsufficient
	}

	// exceeds reports whether qty contracts cost/pay out more than the
	// budget; overflow counts as exceeding.
	exceeds := func(qty int64) bool {
		q := decimal.NewFromInt(qty)
		var val decimal.Decimal
		var err error
		if mode == ModeSell {
			val, err = m.TradeCost(qYes, qNo, q.Neg(), side)
			val = val.Neg()
		} else {
			val, err = m.TradeCost(qYes, qNo, q, side)
		}
		return err != nil || val.GreaterThan(budget)
	}

	var low int64 = 0
	var high int64 = 1

	// Expand upper bound until cost exceeds budget or hits the cap.
	for {
		if exceeds(high) {
			break
		}
		low = high
		high *= 2
		if high > maxBudgetQuantity {
			break
		}
	}

	if low == 0 {
		return 0, ErrBudgetInsufficient
	}

	for low < high {
		mid := (low + high + 1) / 2
		if exceeds(mid) {
			high = mid - 1
		} else {
			low = mid
		}
	}

	return low, nil
}

// MaxLoss returns the maximum possible loss for the market maker:
// b * ln(2) for binary markets. Computed in decimal so an extreme b
// cannot overflow float64.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return m.b.Mul(decimal.NewFromFloat(math.Ln2)).Round(PriceScale)
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
