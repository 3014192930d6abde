// Package capguard bounds the interest-rate delta the market maker is
// willing to absorb when buying back term units.
//
// When an investor sells a term product, the banded unit price implies an
// annualised rate that differs from the promised one (see
// pricing.QuoteSell). The guard accepts the purchase only when that delta
// falls inside the configured [Lower, Upper] window, so the market maker
// never pays out a rate it cannot fund.
package capguard

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

var (
	// ErrBelowFloor is returned when the delta is smaller than the lower bound.
	ErrBelowFloor = errors.New("capguard: rate delta below lower cap")

	// ErrAboveCeiling is returned when the delta exceeds the upper bound.
	ErrAboveCeiling = errors.New("capguard: rate delta above upper cap")

	// ErrInvertedBounds is returned by New when lower > upper.
	ErrInvertedBounds = errors.New("capguard: lower cap exceeds upper cap")
)

// Guard enforces a closed delta window.
type Guard struct {
	// Lower is the smallest acceptable delta (inclusive).
	Lower decimal.Decimal

	// Upper is the largest acceptable delta (inclusive).
	Upper decimal.Decimal

	// open disables the check; used when no configuration exists.
	open bool
}

// New creates a guard for [lower, upper].
func New(lower, upper decimal.Decimal) (*Guard, error) {
	if lower.GreaterThan(upper) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvertedBounds, lower, upper)
	}
	return &Guard{Lower: lower, Upper: upper}, nil
}

// Open returns a guard that accepts every delta.
func Open() *Guard {
	return &Guard{open: true}
}

// Resolve picks the per-fund configuration when present, else the global
// one, else an open guard.
func Resolve(perFund, global *model.CapConfig) (*Guard, error) {
	switch {
	case perFund != nil:
		return New(perFund.Lower, perFund.Upper)
	case global != nil:
		return New(global.Lower, global.Upper)
	default:
		return Open(), nil
	}
}

// Check returns nil when lower <= delta <= upper.
func (g *Guard) Check(delta decimal.Decimal) error {
	if g == nil || g.open {
		return nil
	}
	if delta.LessThan(g.Lower) {
		return ErrBelowFloor
	}
	if delta.GreaterThan(g.Upper) {
		return ErrAboveCeiling
	}
	return nil
}

// IsOpen reports whether the guard accepts everything.
func (g *Guard) IsOpen() bool {
	return g == nil || g.open
}
