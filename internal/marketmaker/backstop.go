// Package marketmaker implements the market-maker backstop: after the
// double auction, orders still carrying remaining quantity are absorbed
// by a designated market-maker account.
//
// A leftover purchase is answered with a synthetic sell at the market
// maker's ask (opening average price marked up by the fund's capital
// cost, banded to 50). A leftover sell is answered with a synthetic buy at
// exactly the investor's ask; for term products the purchase only happens
// when the implied interest-rate delta passes the cap guard.
package marketmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/capguard"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/pricing"
)

// AlgorithmBackstop labels pairs created by the backstop.
const AlgorithmBackstop = "market_maker"

var (
	// ErrNotEligible is returned for orders the backstop must not absorb:
	// closed, fully matched, or owned by the market maker itself.
	ErrNotEligible = errors.New("marketmaker: order not eligible for backstop")

	// ErrNoReferencePrice is returned when the fund has no positive
	// opening price to quote from.
	ErrNoReferencePrice = errors.New("marketmaker: no reference price")

	// ErrCapRejected is returned when a term sell falls outside the
	// interest-rate cap window.
	ErrCapRejected = errors.New("marketmaker: rate delta outside cap")

	// ErrNoAccount is returned by New without a market-maker account.
	ErrNoAccount = errors.New("marketmaker: market-maker account required")
)

// PriceOracle supplies the reference data the backstop prices from.
type PriceOracle interface {
	// OpeningPrice is the fund's opening average price for day.
	OpeningPrice(ctx context.Context, fundID string, day time.Time) (decimal.Decimal, error)

	// CapitalCostPercent is the markup applied to the market maker's ask.
	CapitalCostPercent(ctx context.Context, fundID string) (decimal.Decimal, error)

	// CapBounds is the delta window for term sells.
	CapBounds(ctx context.Context, fundID string) (*capguard.Guard, error)
}

// Config configures a Backstop.
type Config struct {
	AccountID string
	Location  *time.Location
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
}

// Backstop absorbs leftover orders on behalf of the market maker.
type Backstop struct {
	oracle    PriceOracle
	accountID string
	loc       *time.Location
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
}

// New creates a backstop bound to a market-maker account.
func New(oracle PriceOracle, cfg Config) (*Backstop, error) {
	if cfg.AccountID == "" {
		return nil, ErrNoAccount
	}
	b := &Backstop{
		oracle:    oracle,
		accountID: cfg.AccountID,
		loc:       cfg.Location,
		now:       cfg.Now,
		newID:     cfg.NewID,
		log:       cfg.Logger,
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "marketmaker")
	return b, nil
}

// AccountID is the market-maker account the backstop trades for.
func (b *Backstop) AccountID() string {
	return b.accountID
}

// Fill is a planned backstop trade: the synthetic counter-order and the
// pair that closes both sides. Nothing is mutated until Apply.
type Fill struct {
	Order     *model.Order      `json:"order"`
	Synthetic *model.Order      `json:"synthetic"`
	Pair      model.MatchedPair `json:"pair"`
}

// Apply marks the fill on both in-memory orders.
func (f *Fill) Apply() {
	f.Order.Fill(f.Pair.Quantity, f.Pair.MatchedAt)
	f.Synthetic.Fill(f.Pair.Quantity, f.Pair.MatchedAt)
}

// Rejection explains why an order was left in the book.
type Rejection struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

// Outcome collects the result of absorbing a batch of leftovers.
type Outcome struct {
	Fills    []*Fill     `json:"fills"`
	Rejected []Rejection `json:"rejected"`
}

// Absorb plans a backstop fill for every eligible leftover. Per-order
// failures are recorded as rejections and do not stop the batch.
func (b *Backstop) Absorb(ctx context.Context, leftovers []*model.Order) (Outcome, error) {
	var out Outcome
	for _, o := range leftovers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		f, err := b.AbsorbOne(ctx, o)
		if err != nil {
			b.log.Info("leftover not absorbed", "order_id", o.ID, "fund_id", o.FundID, "err", err)
			out.Rejected = append(out.Rejected, Rejection{OrderID: o.ID, Reason: err.Error(), Err: err})
			continue
		}
		out.Fills = append(out.Fills, f)
	}
	return out, nil
}

// AbsorbOne plans the backstop fill of a single order.
func (b *Backstop) AbsorbOne(ctx context.Context, o *model.Order) (*Fill, error) {
	if o.Status != model.OrderPending || !o.Remaining().IsPositive() {
		return nil, fmt.Errorf("%w: order %s is %s with %s remaining", ErrNotEligible, o.ID, o.Status, o.Remaining())
	}
	if o.AccountID == b.accountID {
		return nil, fmt.Errorf("%w: order %s belongs to the market maker", ErrNotEligible, o.ID)
	}

	qty := o.Remaining()
	var price decimal.Decimal

	switch o.Side {
	case model.SidePurchase:
		ask, err := b.ask(ctx, o.FundID)
		if err != nil {
			return nil, err
		}
		price = ask
	case model.SideSell:
		if err := b.checkTermSell(ctx, o, qty); err != nil {
			return nil, err
		}
		price = o.Price
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ErrNotEligible, o.Side)
	}

	now := b.now()
	synthetic := &model.Order{
		ID:           b.newID(),
		AccountID:    b.accountID,
		FundID:       o.FundID,
		Side:         opposite(o.Side),
		Units:        qty,
		MatchedUnits: decimal.Zero,
		Price:        price,
		Amount:       qty.Mul(price),
		Fee:          decimal.Zero,
		Status:       model.OrderPending,
		Source:       model.ParticipantMarketMaker,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	buyOrder, sellOrder := o, synthetic
	if o.Side == model.SideSell {
		buyOrder, sellOrder = synthetic, o
	}
	buyType, sellType := participant(buyOrder), participant(sellOrder)

	pair := model.MatchedPair{
		ID:            b.newID(),
		BuyOrderID:    buyOrder.ID,
		SellOrderID:   sellOrder.ID,
		FundID:        o.FundID,
		BuyAccountID:  buyOrder.AccountID,
		SellAccountID: sellOrder.AccountID,
		Quantity:      qty,
		Price:         price,
		BuyUserType:   buyType,
		SellUserType:  sellType,
		MatchType:     model.MatchType(buyType, sellType),
		Algorithm:     AlgorithmBackstop,
		Status:        model.MatchPending,
		MatchedAt:     now,
	}

	return &Fill{Order: o, Synthetic: synthetic, Pair: pair}, nil
}

// ask is the market maker's sell price for today.
func (b *Backstop) ask(ctx context.Context, fundID string) (decimal.Decimal, error) {
	day := model.Day(b.now(), b.loc)
	opening, err := b.oracle.OpeningPrice(ctx, fundID, day)
	if err != nil {
		return decimal.Zero, fmt.Errorf("opening price for %s: %w", fundID, err)
	}
	if !opening.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: fund %s opening price %s", ErrNoReferencePrice, fundID, opening)
	}
	cc, err := b.oracle.CapitalCostPercent(ctx, fundID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("capital cost for %s: %w", fundID, err)
	}
	return pricing.MarketMakerAsk(opening, cc), nil
}

// checkTermSell applies the cap guard to term-product sells. Plain sells
// pass unchecked.
func (b *Backstop) checkTermSell(ctx context.Context, o *model.Order, qty decimal.Decimal) error {
	if o.TermDays <= 0 {
		return nil
	}
	quote, err := pricing.QuoteSell(qty.Mul(o.Price), o.InterestRate, o.TermDays, qty, o.Price)
	if err != nil {
		return fmt.Errorf("quote order %s: %w", o.ID, err)
	}
	guard, err := b.oracle.CapBounds(ctx, o.FundID)
	if err != nil {
		return fmt.Errorf("cap bounds for %s: %w", o.FundID, err)
	}
	if err := guard.Check(quote.Delta); err != nil {
		return fmt.Errorf("%w: order %s delta %s: %v", ErrCapRejected, o.ID, quote.Delta.StringFixed(4), err)
	}
	return nil
}

func opposite(s model.Side) model.Side {
	if s == model.SidePurchase {
		return model.SideSell
	}
	return model.SidePurchase
}

func participant(o *model.Order) model.Participant {
	if o.Source == model.ParticipantMarketMaker {
		return model.ParticipantMarketMaker
	}
	return model.ParticipantInvestor
}
