package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/fundbo/fund-engine/internal/model"
)

// drawBook generates n orders of side spread over a few funds and accounts
// so that cross-fund and self-trade cases occur often.
func drawBook(t *rapid.T, side model.Side, prefix string) []*model.Order {
	n := rapid.IntRange(0, 12).Draw(t, prefix+"_n")
	orders := make([]*model.Order, 0, n)
	for i := 0; i < n; i++ {
		fund := rapid.SampledFrom([]string{"F1", "F2"}).Draw(t, fmt.Sprintf("%s_fund_%d", prefix, i))
		account := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(t, fmt.Sprintf("%s_acct_%d", prefix, i))
		units := rapid.Int64Range(1, 500).Draw(t, fmt.Sprintf("%s_units_%d", prefix, i))
		price := rapid.Int64Range(180, 220).Draw(t, fmt.Sprintf("%s_price_%d", prefix, i)) * 50
		offset := rapid.IntRange(0, 60).Draw(t, fmt.Sprintf("%s_t_%d", prefix, i))
		orders = append(orders, &model.Order{
			ID:        fmt.Sprintf("%s%d", prefix, i),
			AccountID: account,
			FundID:    fund,
			Side:      side,
			Units:     decimal.NewFromInt(units),
			Price:     decimal.NewFromInt(price),
			Status:    model.OrderPending,
			CreatedAt: t0.Add(time.Duration(offset) * time.Minute),
		})
	}
	return orders
}

type snapshot struct {
	units     decimal.Decimal
	remaining decimal.Decimal
	price     decimal.Decimal
}

// Fill invariants: quantity positive and bounded by both sides' remaining
// quantity at match time, same fund, distinct accounts, bid >= price ==
// ask, and units conserved on every order.
func TestProperty_FillInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buys := drawBook(t, model.SidePurchase, "b")
		sells := drawBook(t, model.SideSell, "s")
		timePriority := rapid.Bool().Draw(t, "time_priority")

		byID := make(map[string]*model.Order)
		before := make(map[string]snapshot)
		for _, o := range append(append([]*model.Order{}, buys...), sells...) {
			byID[o.ID] = o
			before[o.ID] = snapshot{units: o.Units, remaining: o.Remaining(), price: o.Price}
		}

		res := newTestEngine(timePriority).Match(buys, sells)

		filled := make(map[string]decimal.Decimal)
		for _, p := range res.Pairs {
			b, s := byID[p.BuyOrderID], byID[p.SellOrderID]
			if b == nil || s == nil {
				t.Fatalf("pair references unknown orders: %+v", p)
			}
			if !p.Quantity.IsPositive() {
				t.Fatalf("non-positive fill %s", p.Quantity)
			}
			if b.AccountID == s.AccountID {
				t.Fatalf("self-trade between %s and %s", b.ID, s.ID)
			}
			if b.FundID != s.FundID || p.FundID != b.FundID {
				t.Fatalf("cross-fund pair %s/%s", b.FundID, s.FundID)
			}
			if !p.Price.Equal(s.Price) {
				t.Fatalf("matched price %s != sell price %s", p.Price, s.Price)
			}
			if b.Price.LessThan(p.Price) {
				t.Fatalf("bid %s below matched price %s", b.Price, p.Price)
			}
			filled[b.ID] = filled[b.ID].Add(p.Quantity)
			filled[s.ID] = filled[s.ID].Add(p.Quantity)
		}

		for id, o := range byID {
			snap := before[id]
			if !o.MatchedUnits.Add(o.Remaining()).Equal(snap.units) {
				t.Fatalf("order %s: matched %s + remaining %s != units %s", id, o.MatchedUnits, o.Remaining(), snap.units)
			}
			if filled[id].GreaterThan(snap.remaining) {
				t.Fatalf("order %s overfilled: %s > %s", id, filled[id], snap.remaining)
			}
			if !o.Remaining().Equal(snap.remaining.Sub(filled[id])) {
				t.Fatalf("order %s: remaining %s does not reflect fills", id, o.Remaining())
			}
			if o.Remaining().IsZero() != (o.Status == model.OrderCompleted) {
				t.Fatalf("order %s: status %s inconsistent with remaining %s", id, o.Status, o.Remaining())
			}
		}
	})
}

// After a run no remaining buy/sell pair can still trade.
func TestProperty_NoCrossableRemainder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buys := drawBook(t, model.SidePurchase, "b")
		sells := drawBook(t, model.SideSell, "s")

		res := newTestEngine(rapid.Bool().Draw(t, "time_priority")).Match(buys, sells)

		for _, b := range res.RemainingBuys {
			for _, s := range res.RemainingSells {
				if b.FundID == s.FundID && b.AccountID != s.AccountID && b.Price.GreaterThanOrEqual(s.Price) {
					t.Fatalf("crossable remainder left: buy %s @%s vs sell %s @%s", b.ID, b.Price, s.ID, s.Price)
				}
			}
		}
	})
}

// Books where every bid is below every ask never trade.
func TestProperty_NoCrossNoChange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buys := drawBook(t, model.SidePurchase, "b")
		sells := drawBook(t, model.SideSell, "s")
		for _, s := range sells {
			s.Price = s.Price.Add(decimal.NewFromInt(100_000))
		}

		res := newTestEngine(false).Match(buys, sells)

		if len(res.Pairs) != 0 {
			t.Fatalf("expected no pairs, got %d", len(res.Pairs))
		}
		if len(res.RemainingBuys) != len(buys) || len(res.RemainingSells) != len(sells) {
			t.Fatalf("books changed size")
		}
		for _, o := range append(buys, sells...) {
			if !o.MatchedUnits.IsZero() {
				t.Fatalf("order %s modified", o.ID)
			}
		}
	})
}
