// Package matching implements the continuous double-auction matching of
// pending fund orders.
//
// The engine works on a working copy of the pending purchase and sell
// books. Each pass picks the best buy (highest price) and the best sell
// (lowest price), enforces same-fund and self-trade exclusion, checks that
// the prices cross, and fills min(buy remaining, sell remaining) at the
// sell price. A partially filled buy keeps sweeping compatible sells
// before the outer selection resumes.
//
// Candidate searches are linear scans over the books. That is adequate for
// back-office volumes; an exchange-grade book would keep price levels
// sorted instead.
package matching

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

// Algorithm labels recorded on every pair.
const (
	AlgorithmPricePriority     = "price_priority"
	AlgorithmPriceTimePriority = "price_time_priority"
)

var (
	errNonPositiveFill = errors.New("matching: computed fill is not positive")
	errMissingOrderID  = errors.New("matching: order without id")
)

// Options configures an Engine.
type Options struct {
	// UseTimePriority breaks price ties by creation time (FIFO). Without
	// it ties resolve in input order.
	UseTimePriority bool

	// Now stamps fills. Defaults to time.Now().UTC().
	Now func() time.Time

	// NewID generates pair ids. Defaults to uuid.NewString.
	NewID func() string

	Logger *slog.Logger
}

// Result is the outcome of one matching run.
type Result struct {
	Pairs          []model.MatchedPair `json:"pairs"`
	RemainingBuys  []*model.Order      `json:"remaining_buys"`
	RemainingSells []*model.Order      `json:"remaining_sells"`
	Algorithm      string              `json:"algorithm"`
}

// Engine matches purchase orders against sell orders. It is stateless
// between runs; callers serialise runs per fund.
type Engine struct {
	timePriority bool
	now          func() time.Time
	newID        func() string
	log          *slog.Logger
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		timePriority: opts.UseTimePriority,
		now:          opts.Now,
		newID:        opts.NewID,
		log:          opts.Logger,
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "matching")
	return e
}

// Algorithm returns the label of the configured selection rule.
func (e *Engine) Algorithm() string {
	if e.timePriority {
		return AlgorithmPriceTimePriority
	}
	return AlgorithmPricePriority
}

// entry is the working-copy view of one order.
type entry struct {
	order     *model.Order
	remaining decimal.Decimal
	price     decimal.Decimal
	time      time.Time
	seq       int
}

func newBook(orders []*model.Order, side model.Side, log *slog.Logger) []*entry {
	book := make([]*entry, 0, len(orders))
	for i, o := range orders {
		if o == nil {
			continue
		}
		if o.Side != side {
			log.Warn("order on wrong side of book skipped", "order_id", o.ID, "side", o.Side, "book", side)
			continue
		}
		if o.Status != "" && o.Status != model.OrderPending {
			continue
		}
		rem := o.Remaining()
		if !rem.IsPositive() {
			continue
		}
		book = append(book, &entry{
			order:     o,
			remaining: rem,
			price:     o.Price,
			time:      o.CreatedAt,
			seq:       i,
		})
	}
	return book
}

// live drops exhausted entries in place.
func live(book []*entry) []*entry {
	out := book[:0]
	for _, en := range book {
		if en.remaining.IsPositive() {
			out = append(out, en)
		}
	}
	return out
}

func without(book []*entry, target *entry) []*entry {
	for i, en := range book {
		if en == target {
			return append(book[:i], book[i+1:]...)
		}
	}
	return book
}

// earlier orders two entries for tie-breaks.
func (e *Engine) earlier(a, b *entry) bool {
	if e.timePriority && !a.time.Equal(b.time) {
		return a.time.Before(b.time)
	}
	return a.seq < b.seq
}

// bestBuy returns the highest-priced entry matching keep.
func (e *Engine) bestBuy(book []*entry, keep func(*entry) bool) *entry {
	var best *entry
	for _, en := range book {
		if !en.remaining.IsPositive() || (keep != nil && !keep(en)) {
			continue
		}
		if best == nil || en.price.GreaterThan(best.price) ||
			(en.price.Equal(best.price) && e.earlier(en, best)) {
			best = en
		}
	}
	return best
}

// bestSell returns the lowest-priced entry matching keep.
func (e *Engine) bestSell(book []*entry, keep func(*entry) bool) *entry {
	var best *entry
	for _, en := range book {
		if !en.remaining.IsPositive() || (keep != nil && !keep(en)) {
			continue
		}
		if best == nil || en.price.LessThan(best.price) ||
			(en.price.Equal(best.price) && e.earlier(en, best)) {
			best = en
		}
	}
	return best
}

// earliest returns the first-created entry matching keep, regardless of
// price. Used for FIFO alternative searches.
func earliest(book []*entry, keep func(*entry) bool) *entry {
	var best *entry
	for _, en := range book {
		if !en.remaining.IsPositive() || !keep(en) {
			continue
		}
		if best == nil || en.time.Before(best.time) ||
			(en.time.Equal(best.time) && en.seq < best.seq) {
			best = en
		}
	}
	return best
}

// counterFor reports whether sell can trade against buy: same fund,
// different account, price at or below the bid.
func counterFor(buy *entry) func(*entry) bool {
	return func(sell *entry) bool {
		return sell.order.FundID == buy.order.FundID &&
			sell.order.AccountID != buy.order.AccountID &&
			sell.price.LessThanOrEqual(buy.price)
	}
}

// Match runs the double auction over the given books. Orders are mutated
// in place as they fill. When nothing crosses, the inputs are untouched
// and the pair list is empty.
func (e *Engine) Match(buys, sells []*model.Order) Result {
	bids := newBook(buys, model.SidePurchase, e.log)
	asks := newBook(sells, model.SideSell, e.log)

	res := Result{Algorithm: e.Algorithm()}

	for {
		bids = live(bids)
		asks = live(asks)
		if len(bids) == 0 || len(asks) == 0 {
			break
		}

		buy := e.bestBuy(bids, nil)
		sell := e.bestSell(asks, nil)

		if sell.order.FundID != buy.order.FundID {
			fund := buy.order.FundID
			sell = e.bestSell(asks, func(s *entry) bool { return s.order.FundID == fund })
			if sell == nil {
				// Set the buy aside, not the sell: the sell can still
				// trade against buys in its own fund this run.
				e.log.Debug("no counter-order in fund", "order_id", buy.order.ID, "fund_id", fund)
				bids = without(bids, buy)
				continue
			}
		}

		if sell.order.AccountID == buy.order.AccountID {
			sell = earliest(asks, counterFor(buy))
			if sell == nil {
				e.log.Debug("only self-trade available", "order_id", buy.order.ID, "account_id", buy.order.AccountID)
				bids = without(bids, buy)
				continue
			}
		}

		if buy.price.LessThan(sell.price) {
			sell = earliest(asks, counterFor(buy))
			if sell == nil {
				bids = without(bids, buy)
				continue
			}
		}

		pair, err := e.fill(buy, sell, res.Algorithm)
		if err != nil {
			e.log.Error("pair skipped", "buy_order_id", buy.order.ID, "sell_order_id", sell.order.ID, "err", err)
			bids = without(bids, buy)
			continue
		}
		res.Pairs = append(res.Pairs, pair)

		// Let the buy sweep further sells before reselecting.
		for buy.remaining.IsPositive() {
			next := e.bestSell(asks, counterFor(buy))
			if next == nil {
				break
			}
			pair, err := e.fill(buy, next, res.Algorithm)
			if err != nil {
				e.log.Error("pair skipped", "buy_order_id", buy.order.ID, "sell_order_id", next.order.ID, "err", err)
				bids = without(bids, buy)
				break
			}
			res.Pairs = append(res.Pairs, pair)
		}
	}

	res.RemainingBuys = pending(buys, model.SidePurchase)
	res.RemainingSells = pending(sells, model.SideSell)
	return res
}

// fill records one match between buy and sell at the sell price.
func (e *Engine) fill(buy, sell *entry, algorithm string) (model.MatchedPair, error) {
	qty := decimal.Min(buy.remaining, sell.remaining)
	if !qty.IsPositive() {
		return model.MatchedPair{}, errNonPositiveFill
	}
	if buy.order.ID == "" || sell.order.ID == "" {
		return model.MatchedPair{}, errMissingOrderID
	}

	now := e.now()
	buyType := participant(buy.order)
	sellType := participant(sell.order)

	pair := model.MatchedPair{
		ID:            e.newID(),
		BuyOrderID:    buy.order.ID,
		SellOrderID:   sell.order.ID,
		FundID:        buy.order.FundID,
		BuyAccountID:  buy.order.AccountID,
		SellAccountID: sell.order.AccountID,
		Quantity:      qty,
		Price:         sell.price,
		BuyUserType:   buyType,
		SellUserType:  sellType,
		MatchType:     model.MatchType(buyType, sellType),
		Algorithm:     algorithm,
		Status:        model.MatchPending,
		MatchedAt:     now,
	}

	buy.remaining = buy.remaining.Sub(qty)
	sell.remaining = sell.remaining.Sub(qty)
	buy.order.Fill(qty, now)
	sell.order.Fill(qty, now)

	return pair, nil
}

func participant(o *model.Order) model.Participant {
	if o.Source == model.ParticipantMarketMaker {
		return model.ParticipantMarketMaker
	}
	return model.ParticipantInvestor
}

// pending returns the orders of side that still have quantity to fill.
func pending(orders []*model.Order, side model.Side) []*model.Order {
	out := make([]*model.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil || o.Side != side {
			continue
		}
		if o.Status != "" && o.Status != model.OrderPending {
			continue
		}
		if o.Remaining().IsPositive() {
			out = append(out, o)
		}
	}
	return out
}
