package exchange

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundbo/fund-engine/internal/lock"
	"github.com/fundbo/fund-engine/internal/marketmaker"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/nav"
	"github.com/fundbo/fund-engine/internal/store"
	"github.com/fundbo/fund-engine/internal/stream"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t stream.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	inventory *nav.Service
	events    *recorder
}

func newFixture(t *testing.T, withBackstop bool) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, f := range []*model.Fund{
		{ID: "F1", Ticker: "FUND1", CurrentNAV: d(10000), CapitalCostPercent: d(2),
			InitialPrice: d(10000), InitialQuantity: d(1000), Status: model.FundActive},
		{ID: "F2", Ticker: "FUND2", CurrentNAV: d(20000), InitialPrice: d(20000),
			InitialQuantity: d(500), Status: model.FundActive},
		{ID: "OFF", Ticker: "CLOSED", CurrentNAV: d(1), Status: model.FundInactive},
	} {
		require.NoError(t, st.CreateFund(ctx, f))
	}

	now := func() time.Time { return t0 }
	inventory := nav.NewService(st, nav.Config{Now: now})
	events := &recorder{}

	deps := Deps{Store: st, Locker: lock.NewMemoryLocker(), Inventory: inventory, Publisher: events}
	if withBackstop {
		b, err := marketmaker.New(nav.NewOracle(inventory, st), marketmaker.Config{AccountID: "mm", Now: now})
		require.NoError(t, err)
		deps.Backstop = b
	}
	return &fixture{
		svc:       NewService(deps, Config{Now: now}),
		store:     st,
		inventory: inventory,
		events:    events,
	}
}

func (f *fixture) place(t *testing.T, account, fund string, side model.Side, units, price float64) *model.Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		AccountID: account, FundID: fund, Side: side, Units: d(units), Price: d(price),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t, false)

	buy := f.place(t, "a", "F1", model.SidePurchase, 100, 0)
	assert.True(t, buy.Price.Equal(d(10000)), "price defaults to NAV")
	assert.True(t, buy.Amount.Equal(d(1_000_000)))
	assert.True(t, buy.Fee.Equal(d(3000)), "fee %s", buy.Fee)
	assert.Equal(t, model.OrderPending, buy.Status)
	assert.Equal(t, model.ParticipantInvestor, buy.Source)

	sell := f.place(t, "b", "F1", model.SideSell, 10, 10050)
	assert.True(t, sell.Fee.IsZero())
	assert.True(t, sell.Price.Equal(d(10050)))

	assert.Equal(t, 2, f.events.count(stream.EventOrderPlaced))
}

func TestPlaceOrder_Rejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  PlaceOrderRequest
		want error
	}{
		{"missing account", PlaceOrderRequest{FundID: "F1", Side: model.SidePurchase, Units: d(1)}, ErrInvalidOrder},
		{"bad side", PlaceOrderRequest{AccountID: "a", FundID: "F1", Side: "hold", Units: d(1)}, ErrInvalidOrder},
		{"zero units", PlaceOrderRequest{AccountID: "a", FundID: "F1", Side: model.SidePurchase}, ErrInvalidOrder},
		{"negative price", PlaceOrderRequest{AccountID: "a", FundID: "F1", Side: model.SideSell, Units: d(1), Price: d(-1)}, ErrInvalidOrder},
		{"unknown fund", PlaceOrderRequest{AccountID: "a", FundID: "NOPE", Side: model.SideSell, Units: d(1)}, ErrFundNotFound},
		{"inactive fund", PlaceOrderRequest{AccountID: "a", FundID: "OFF", Side: model.SideSell, Units: d(1)}, ErrFundInactive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	pending, err := f.store.ListPendingOrders(ctx, model.SideSell, "")
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected orders leave no state")
}

func TestPlaceOrder_MarketMakerSource(t *testing.T) {
	f := newFixture(t, true)
	o := f.place(t, "mm", "F1", model.SideSell, 10, 10200)
	assert.Equal(t, model.ParticipantMarketMaker, o.Source)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o := f.place(t, "a", "F1", model.SidePurchase, 10, 10000)

	cancelled, err := f.svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	_, err = f.svc.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)
	_, err = f.svc.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMatch_PersistsFills(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	buy := f.place(t, "a", "F1", model.SidePurchase, 100, 10100)
	sell := f.place(t, "b", "F1", model.SideSell, 60, 10000)
	f.place(t, "c", "F2", model.SideSell, 60, 100) // other fund, untouched

	report, err := f.svc.Match(ctx, MatchRequest{FundID: "F1"})
	require.NoError(t, err)
	require.Len(t, report.Pairs, 1)
	p := report.Pairs[0]
	assert.True(t, p.Quantity.Equal(d(60)))
	assert.True(t, p.Price.Equal(d(10000)))
	assert.Equal(t, 1, report.RemainingBuys)
	assert.Equal(t, 0, report.RemainingSells)
	assert.Empty(t, report.Rejected)

	assert.True(t, f.order(t, buy.ID).Remaining().Equal(d(40)))
	assert.Equal(t, model.OrderCompleted, f.order(t, sell.ID).Status)

	pairs, total, err := f.store.ListMatchedPairs(ctx, store.PairFilter{FundID: "F1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, p.ID, pairs[0].ID)
	assert.Equal(t, 1, f.events.count(stream.EventOrderMatched))
}

func TestMatch_NothingCrossable(t *testing.T) {
	f := newFixture(t, false)
	buy := f.place(t, "a", "F1", model.SidePurchase, 10, 9900)
	f.place(t, "b", "F1", model.SideSell, 10, 10000)

	report, err := f.svc.Match(context.Background(), MatchRequest{FundID: "F1"})
	require.NoError(t, err)
	assert.Empty(t, report.Pairs)
	assert.Equal(t, 1, report.RemainingBuys)
	assert.Equal(t, 1, report.RemainingSells)
	assert.True(t, f.order(t, buy.ID).MatchedUnits.IsZero())
	assert.Zero(t, f.events.count(stream.EventInventoryUpdated))
}

func TestMatch_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Match(ctx, MatchRequest{})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = f.svc.Match(ctx, MatchRequest{FundID: "OFF"})
	assert.ErrorIs(t, err, ErrFundInactive)
	_, err = f.svc.Match(ctx, MatchRequest{FundID: "F1", HandleRemaining: true})
	assert.ErrorIs(t, err, ErrNoBackstop)
}

func TestMatch_BackstopAbsorbsRemainder(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	buy := f.place(t, "a", "F1", model.SidePurchase, 100, 10100)
	f.place(t, "b", "F1", model.SideSell, 60, 10000)

	report, err := f.svc.Match(ctx, MatchRequest{FundID: "F1", HandleRemaining: true})
	require.NoError(t, err)
	require.Len(t, report.Pairs, 1)
	require.NotNil(t, report.Backstop)
	require.Len(t, report.Backstop.Fills, 1)

	mm := report.Backstop.Fills[0]
	assert.True(t, mm.Quantity.Equal(d(40)))
	assert.True(t, mm.Price.Equal(d(10200)), "opening 10000 marked up 2%%, got %s", mm.Price)
	assert.Equal(t, "investor_market_maker", mm.MatchType)
	assert.Equal(t, 0, report.RemainingBuys)

	assert.Equal(t, model.OrderCompleted, f.order(t, buy.ID).Status)
	synthetic := f.order(t, mm.SellOrderID)
	assert.Equal(t, model.OrderCompleted, synthetic.Status)
	assert.Equal(t, "mm", synthetic.AccountID)

	// The market maker sold 40 units out of its 1000 opening units.
	inv, err := f.store.GetInventory(ctx, "F1", f.inventory.Today())
	require.NoError(t, err)
	assert.True(t, inv.ClosingQuantity.Equal(d(960)), "closing %s", inv.ClosingQuantity)
	assert.Equal(t, 1, f.events.count(stream.EventMarketMakerFill))
	assert.Equal(t, 1, f.events.count(stream.EventInventoryUpdated))
}

func TestMatch_ConcurrentRunsNeverDoubleFill(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	buy := f.place(t, "a", "F1", model.SidePurchase, 100, 10100)
	for i := 0; i < 5; i++ {
		f.place(t, "b", "F1", model.SideSell, 20, 10000)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	matched := decimal.Zero
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Match(ctx, MatchRequest{FundID: "F1"})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range r.Pairs {
				matched = matched.Add(p.Quantity)
			}
		}()
	}
	wg.Wait()

	assert.True(t, matched.Equal(d(100)), "matched %s", matched)
	assert.True(t, f.order(t, buy.ID).MatchedUnits.Equal(d(100)))
}

func TestMatchAll(t *testing.T) {
	f := newFixture(t, false)
	f.place(t, "a", "F1", model.SidePurchase, 10, 10000)
	f.place(t, "b", "F1", model.SideSell, 10, 10000)
	f.place(t, "a", "F2", model.SidePurchase, 5, 20000)
	f.place(t, "b", "F2", model.SideSell, 5, 19950)

	reports, err := f.svc.MatchAll(context.Background(), nil, false)
	require.NoError(t, err)
	require.Len(t, reports, 2, "inactive funds are skipped")

	byFund := map[string]*MatchReport{}
	for _, r := range reports {
		byFund[r.FundID] = r
	}
	require.Len(t, byFund["F1"].Pairs, 1)
	require.Len(t, byFund["F2"].Pairs, 1)
	assert.True(t, byFund["F2"].Pairs[0].Price.Equal(d(19950)))
}

func TestHandleRemaining_LeavesOwnOrdersAlone(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.place(t, "a", "F1", model.SidePurchase, 10, 9000)
	own := f.place(t, "mm", "F1", model.SideSell, 5, 10200)

	report, err := f.svc.HandleRemaining(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, report.Fills, 1)
	assert.Empty(t, report.Rejected)
	assert.Equal(t, model.OrderPending, f.order(t, own.ID).Status)
}

func TestHandleOne(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	sell := f.place(t, "b", "F1", model.SideSell, 50, 10150)

	pair, err := f.svc.HandleOne(ctx, sell.ID)
	require.NoError(t, err)
	assert.True(t, pair.Price.Equal(d(10150)), "sell leftovers fill at the ask")
	assert.Equal(t, "market_maker_investor", pair.MatchType)

	inv, err := f.store.GetInventory(ctx, "F1", f.inventory.Today())
	require.NoError(t, err)
	assert.True(t, inv.ClosingQuantity.Equal(d(1050)))

	_, err = f.svc.HandleOne(ctx, sell.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)
	_, err = f.svc.HandleOne(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestHandleOne_TermSellOutsideCap(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.store.SaveCapConfig(ctx, &model.CapConfig{Lower: d(0), Upper: d(0.05)}))

	o, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		AccountID: "b", FundID: "F1", Side: model.SideSell, Units: d(1000), Price: d(10000),
		InterestRate: d(6), TermDays: 30,
	})
	require.NoError(t, err)

	_, err = f.svc.HandleOne(ctx, o.ID)
	assert.ErrorIs(t, err, marketmaker.ErrCapRejected)
	assert.Equal(t, model.OrderPending, f.order(t, o.ID).Status)
}

func TestGenerateRandomOrders(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	orders, err := f.svc.GenerateRandomOrders(ctx, RandomOrdersRequest{
		FundID: "F1", Count: 25, MinUnits: 1, MaxUnits: 50, BandPercent: d(2), Seed: 7,
	})
	require.NoError(t, err)
	require.Len(t, orders, 25)

	fifty := d(50)
	for _, o := range orders {
		assert.True(t, o.Price.Mod(fifty).IsZero(), "price %s not banded", o.Price)
		assert.True(t, o.Price.GreaterThanOrEqual(d(9800)) && o.Price.LessThanOrEqual(d(10200)), "price %s", o.Price)
		assert.True(t, o.Units.GreaterThanOrEqual(d(1)) && o.Units.LessThanOrEqual(d(50)))
	}

	_, err = f.svc.GenerateRandomOrders(ctx, RandomOrdersRequest{FundID: "F1"})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestImportOrders(t *testing.T) {
	f := newFixture(t, false)
	csv := strings.Join([]string{
		"account_id,fund_id,side,units,price",
		"a,F1,purchase,10,10050",
		"b,F1,SELL,5,",
		"c,F1,purchase,abc,1",
		"d,NOPE,sell,1,1",
	}, "\n")

	res, err := f.svc.ImportOrders(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, res.Imported, 2)
	assert.True(t, res.Imported[1].Price.Equal(d(10000)), "blank price defaults to NAV")
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Equal(t, 5, res.Errors[1].Line)

	_, err = f.svc.ImportOrders(context.Background(), strings.NewReader("account_id,side\n"))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
