// Package pricing implements the unit-price arithmetic shared by the
// matching engine, the market-maker backstop and the inventory engine:
// MROUND price banding, the tiered fee schedule, the market-maker ask and
// the sell-side interest-rate profitability quote.
//
// All monetary values use shopspring/decimal, never float64 for money.
// Rounding to integers is half-even, which is how the stored historical
// prices were produced.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTerm is returned when a quote is requested for a
	// non-positive holding period.
	ErrInvalidTerm = errors.New("pricing: term days must be positive")

	// ErrInvalidUnits is returned when a quote is requested for a
	// non-positive number of units.
	ErrInvalidUnits = errors.New("pricing: units must be positive")

	// ErrInvalidNAV is returned when the reference NAV is not positive.
	ErrInvalidNAV = errors.New("pricing: nav must be positive")

	// PriceStep is the banding step for unit prices.
	PriceStep = decimal.NewFromInt(50)

	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// MRound returns the multiple of step nearest to x. Ties go to the even
// multiple: MRound(1225, 50) = 1200, MRound(1275, 50) = 1300.
// A non-positive step returns x unchanged.
func MRound(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).RoundBank(0).Mul(step)
}

// RoundPrice bands a unit price to PriceStep.
func RoundPrice(x decimal.Decimal) decimal.Decimal {
	return MRound(x, PriceStep)
}

// MarketMakerAsk is the price at which the market maker sells units:
// the opening average price marked up by the capital cost, banded.
//
//	ask = MROUND(opening * (1 + cc/100), 50)
func MarketMakerAsk(openingAvgPrice, capitalCostPercent decimal.Decimal) decimal.Decimal {
	markup := decimal.NewFromInt(1).Add(capitalCostPercent.Div(hundred))
	return RoundPrice(openingAvgPrice.Mul(markup))
}

// FeeBand applies Percent to amounts strictly below UpTo. A zero UpTo
// marks the unbounded last band.
type FeeBand struct {
	UpTo    decimal.Decimal `json:"up_to" yaml:"up_to"`
	Percent decimal.Decimal `json:"percent" yaml:"percent"`
}

// FeeSchedule is an ordered list of bands.
type FeeSchedule []FeeBand

// DefaultFeeSchedule is the purchase fee schedule:
// below 10M 0.3%, below 20M 0.2%, otherwise 0.1%.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		{UpTo: decimal.NewFromInt(10_000_000), Percent: decimal.RequireFromString("0.3")},
		{UpTo: decimal.NewFromInt(20_000_000), Percent: decimal.RequireFromString("0.2")},
		{UpTo: decimal.Zero, Percent: decimal.RequireFromString("0.1")},
	}
}

// Rate returns the percentage applied to amount.
func (s FeeSchedule) Rate(amount decimal.Decimal) decimal.Decimal {
	for _, b := range s {
		if b.UpTo.IsZero() || amount.LessThan(b.UpTo) {
			return b.Percent
		}
	}
	if len(s) == 0 {
		return decimal.Zero
	}
	return s[len(s)-1].Percent
}

// Fee computes MROUND(amount * rate/100, 50). Non-positive amounts are free.
func (s FeeSchedule) Fee(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return RoundPrice(amount.Mul(s.Rate(amount)).Div(hundred))
}

// SellQuote is the breakdown of a term-product sell evaluation.
type SellQuote struct {
	SellValue     decimal.Decimal `json:"sell_value"`
	Price1        decimal.Decimal `json:"price1"`         // sell value per unit, rounded
	Price2        decimal.Decimal `json:"price2"`         // price1 banded to 50
	ConvertedRate decimal.Decimal `json:"converted_rate"` // annualised % implied by price2
	Delta         decimal.Decimal `json:"delta"`          // converted_rate - rate
}

// QuoteSell evaluates what a holder of units bought for amount at nav
// would receive after days at rate percent per year, and how far the
// banded unit price drifts from the promised rate.
//
//	sell_value     = amount * (rate/100)/365 * days + amount
//	price1         = round(sell_value / units)
//	price2         = MROUND(price1, 50)
//	converted_rate = (price2/nav - 1) * 365/days * 100
//	delta          = converted_rate - rate
func QuoteSell(amount, rate decimal.Decimal, days int, units, nav decimal.Decimal) (SellQuote, error) {
	if days <= 0 {
		return SellQuote{}, ErrInvalidTerm
	}
	if !units.IsPositive() {
		return SellQuote{}, ErrInvalidUnits
	}
	if !nav.IsPositive() {
		return SellQuote{}, ErrInvalidNAV
	}

	d := decimal.NewFromInt(int64(days))
	interest := amount.Mul(rate).Mul(d).Div(hundred.Mul(daysPerYear))
	sellValue := amount.Add(interest)

	price1 := sellValue.Div(units).RoundBank(0)
	price2 := RoundPrice(price1)

	converted := price2.Sub(nav).Mul(daysPerYear).Mul(hundred).Div(nav.Mul(d))

	return SellQuote{
		SellValue:     sellValue,
		Price1:        price1,
		Price2:        price2,
		ConvertedRate: converted,
		Delta:         converted.Sub(rate),
	}, nil
}
