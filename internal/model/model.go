// Package model defines the core domain types shared across the fund engine.
// All monetary values and unit quantities use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SidePurchase Side = "purchase"
	SideSell     Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SidePurchase || s == SideSell
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Participant classifies the account behind an order.
type Participant string

const (
	ParticipantInvestor    Participant = "investor"
	ParticipantMarketMaker Participant = "market_maker"
)

// Order is a purchase or sell instruction for fund units. Orders are
// created pending and mutated in place as they are matched; they close
// when Remaining reaches zero or on explicit cancellation.
type Order struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	FundID       string          `json:"fund_id" db:"fund_id"`
	Side         Side            `json:"side" db:"side"`
	Units        decimal.Decimal `json:"units" db:"units"`
	MatchedUnits decimal.Decimal `json:"matched_units" db:"matched_units"`
	Price        decimal.Decimal `json:"price" db:"price"`   // unit price basis (NAV)
	Amount       decimal.Decimal `json:"amount" db:"amount"` // units * price
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	Status       OrderStatus     `json:"status" db:"status"`
	Source       Participant     `json:"source" db:"source"`
	InterestRate decimal.Decimal `json:"interest_rate" db:"interest_rate"` // % per year, term products only
	TermDays     int             `json:"term_days" db:"term_days"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unmatched quantity, never negative.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Units.Sub(o.MatchedUnits)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// IsMarketMaker reports whether the order belongs to a market-maker account.
func (o *Order) IsMarketMaker() bool {
	return o.Source == ParticipantMarketMaker
}

// Fill adds qty to the matched quantity and completes the order when
// nothing remains.
func (o *Order) Fill(qty decimal.Decimal, at time.Time) {
	o.MatchedUnits = o.MatchedUnits.Add(qty)
	if o.Remaining().IsZero() {
		o.Status = OrderCompleted
	}
	o.UpdatedAt = at
}

// MatchStatus is the confirmation state of a matched pair.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchConfirmed MatchStatus = "confirmed"
)

// MatchedPair is an immutable record of one fill between a buy and a sell.
// Once created, pairs are never modified or deleted.
type MatchedPair struct {
	ID            string          `json:"id" db:"id"`
	BuyOrderID    string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id" db:"sell_order_id"`
	FundID        string          `json:"fund_id" db:"fund_id"`
	BuyAccountID  string          `json:"buy_account_id" db:"buy_account_id"`
	SellAccountID string          `json:"sell_account_id" db:"sell_account_id"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	BuyUserType   Participant     `json:"buy_user_type" db:"buy_user_type"`
	SellUserType  Participant     `json:"sell_user_type" db:"sell_user_type"`
	MatchType     string          `json:"match_type" db:"match_type"`
	Algorithm     string          `json:"algorithm" db:"algorithm"`
	Status        MatchStatus     `json:"status" db:"status"`
	MatchedAt     time.Time       `json:"matched_at" db:"matched_at"`
}

// MatchType derives the pair classification from both participants,
// e.g. "investor_market_maker".
func MatchType(buy, sell Participant) string {
	return string(buy) + "_" + string(sell)
}

// Value is quantity * price.
func (p *MatchedPair) Value() decimal.Decimal {
	return p.Quantity.Mul(p.Price)
}

// FundStatus is the trading state of a fund.
type FundStatus string

const (
	FundActive   FundStatus = "active"
	FundInactive FundStatus = "inactive"
)

// Fund is a portfolio fund whose units are traded.
type Fund struct {
	ID                 string          `json:"id" db:"id"`
	Ticker             string          `json:"ticker" db:"ticker"`
	Name               string          `json:"name" db:"name"`
	CurrentNAV         decimal.Decimal `json:"current_nav" db:"current_nav"`
	CapitalCostPercent decimal.Decimal `json:"capital_cost_percent" db:"capital_cost_percent"`
	InitialPrice       decimal.Decimal `json:"initial_price" db:"initial_price"`       // inventory seed
	InitialQuantity    decimal.Decimal `json:"initial_quantity" db:"initial_quantity"` // inventory seed
	Status             FundStatus      `json:"status" db:"status"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// InventoryStatus is the state of a daily inventory row.
type InventoryStatus string

const (
	InventoryDraft     InventoryStatus = "draft"
	InventoryConfirmed InventoryStatus = "confirmed"
)

// DailyInventory is the market maker's unit balance and average
// acquisition price for one fund on one calendar day.
type DailyInventory struct {
	FundID          string          `json:"fund_id" db:"fund_id"`
	Date            time.Time       `json:"date" db:"date"`
	OpeningQuantity decimal.Decimal `json:"opening_quantity" db:"opening_quantity"`
	OpeningAvgPrice decimal.Decimal `json:"opening_avg_price" db:"opening_avg_price"`
	ClosingQuantity decimal.Decimal `json:"closing_quantity" db:"closing_quantity"`
	ClosingAvgPrice decimal.Decimal `json:"closing_avg_price" db:"closing_avg_price"`
	Status          InventoryStatus `json:"status" db:"status"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// CapConfig bounds the acceptable interest-rate delta of a market-maker
// purchase. An empty FundID is the global configuration.
type CapConfig struct {
	FundID string          `json:"fund_id" db:"fund_id"`
	Lower  decimal.Decimal `json:"lower" db:"lower"`
	Upper  decimal.Decimal `json:"upper" db:"upper"`
}

// Day returns the calendar date of t as seen in loc, encoded as UTC
// midnight. Inventory rows are keyed by this value.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the instants [start, end) covering day in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
