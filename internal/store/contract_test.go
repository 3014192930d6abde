package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundbo/fund-engine/internal/model"
)

func seedFund(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.CreateFund(context.Background(), &model.Fund{
		ID: "F1", Ticker: "FUND1", CurrentNAV: d(10000), Status: model.FundActive, CreatedAt: t0,
	}))
}

func pair(id, buy, sell string, qty float64, at time.Time) *model.MatchedPair {
	return &model.MatchedPair{
		ID: id, BuyOrderID: buy, SellOrderID: sell, FundID: "F1",
		BuyAccountID: "a", SellAccountID: "b",
		Quantity: d(qty), Price: d(10000),
		BuyUserType: model.ParticipantInvestor, SellUserType: model.ParticipantInvestor,
		MatchType: model.MatchType(model.ParticipantInvestor, model.ParticipantInvestor),
		Algorithm: "price_priority", Status: model.MatchPending, MatchedAt: at,
	}
}

// testStoreContract runs the behaviour every Store implementation shares.
// newStore must return an empty store.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	fresh := func(t *testing.T) Store {
		t.Helper()
		s := newStore(t)
		seedFund(t, s)
		return s
	}

	t.Run("FundConflicts", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()

		err := s.CreateFund(ctx, &model.Fund{ID: "F1", Ticker: "OTHER", CurrentNAV: d(1)})
		assert.ErrorIs(t, err, ErrConflict)
		err = s.CreateFund(ctx, &model.Fund{ID: "F2", Ticker: "FUND1", CurrentNAV: d(1)})
		assert.ErrorIs(t, err, ErrConflict)

		f, err := s.GetFund(ctx, "F1")
		require.NoError(t, err)
		assert.True(t, f.CurrentNAV.Equal(d(10000)))
		_, err = s.GetFund(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RecordFillIsAllOrNothing", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()
		require.NoError(t, s.CreateOrder(ctx, order("b1", "a", model.SidePurchase, 100, t0)))
		require.NoError(t, s.CreateOrder(ctx, order("s1", "b", model.SideSell, 30, t0)))

		// Sell only has 30 left, so neither leg may move.
		err := s.RecordFill(ctx, pair("p1", "b1", "s1", 40, t0))
		require.ErrorIs(t, err, ErrFillRejected)

		b, err := s.GetOrder(ctx, "b1")
		require.NoError(t, err)
		assert.True(t, b.MatchedUnits.IsZero())
		_, total, err := s.ListMatchedPairs(ctx, PairFilter{})
		require.NoError(t, err)
		assert.Zero(t, total)

		require.NoError(t, s.RecordFill(ctx, pair("p2", "b1", "s1", 30, t0)))
		b, _ = s.GetOrder(ctx, "b1")
		sl, _ := s.GetOrder(ctx, "s1")
		assert.True(t, b.Remaining().Equal(d(70)))
		assert.Equal(t, model.OrderPending, b.Status)
		assert.Equal(t, model.OrderCompleted, sl.Status)

		// Replaying the same pair is rejected and leaves the buy untouched.
		require.NoError(t, s.CreateOrder(ctx, order("s2", "b", model.SideSell, 30, t0)))
		err = s.RecordFill(ctx, pair("p2", "b1", "s2", 10, t0))
		assert.ErrorIs(t, err, ErrFillRejected)
		b, _ = s.GetOrder(ctx, "b1")
		assert.True(t, b.Remaining().Equal(d(70)))
		s2, _ := s.GetOrder(ctx, "s2")
		assert.True(t, s2.MatchedUnits.IsZero())
	})

	t.Run("ConcurrentFillsNeverOverfill", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()
		require.NoError(t, s.CreateOrder(ctx, order("b1", "a", model.SidePurchase, 10, t0)))
		for i := 0; i < 20; i++ {
			require.NoError(t, s.CreateOrder(ctx, order(fmt.Sprintf("s%02d", i), "b", model.SideSell, 1, t0)))
		}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = s.RecordFill(ctx, pair(fmt.Sprintf("p%02d", i), "b1", fmt.Sprintf("s%02d", i), 1, t0))
			}(i)
		}
		wg.Wait()

		b, err := s.GetOrder(ctx, "b1")
		require.NoError(t, err)
		assert.True(t, b.MatchedUnits.Equal(d(10)), "matched %s", b.MatchedUnits)
		assert.Equal(t, model.OrderCompleted, b.Status)
		_, total, err := s.ListMatchedPairs(ctx, PairFilter{})
		require.NoError(t, err)
		assert.Equal(t, 10, total)
	})

	t.Run("ListMatchedPairsPaginates", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()
		require.NoError(t, s.CreateOrder(ctx, order("b1", "a", model.SidePurchase, 100, t0)))
		require.NoError(t, s.CreateOrder(ctx, order("s1", "b", model.SideSell, 100, t0)))
		for i := 0; i < 5; i++ {
			require.NoError(t, s.RecordFill(ctx, pair(fmt.Sprintf("p%d", i), "b1", "s1", 1, t0.Add(time.Duration(i)*time.Minute))))
		}

		pairs, total, err := s.ListMatchedPairs(ctx, PairFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, pairs, 2)
		assert.Equal(t, "p3", pairs[0].ID)
		assert.Equal(t, "p2", pairs[1].ID)

		pairs, total, err = s.ListMatchedPairs(ctx, PairFilter{Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, pairs)
	})

	t.Run("ListFillsWindow", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()
		require.NoError(t, s.CreateOrder(ctx, order("b1", "a", model.SidePurchase, 100, t0)))
		require.NoError(t, s.CreateOrder(ctx, order("s1", "b", model.SideSell, 100, t0)))

		start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 1)
		require.NoError(t, s.RecordFill(ctx, pair("late", "b1", "s1", 3, start.Add(20*time.Hour))))
		require.NoError(t, s.RecordFill(ctx, pair("early", "b1", "s1", 2, start.Add(time.Hour))))
		require.NoError(t, s.RecordFill(ctx, pair("before", "b1", "s1", 1, start.Add(-time.Second))))
		require.NoError(t, s.RecordFill(ctx, pair("next-day", "b1", "s1", 1, end)))

		fills, err := s.ListFills(ctx, "F1", start, end)
		require.NoError(t, err)
		require.Len(t, fills, 2)
		assert.Equal(t, "early", fills[0].ID)
		assert.Equal(t, "late", fills[1].ID)
		assert.True(t, fills[1].Quantity.Equal(d(3)))
		assert.True(t, fills[1].Price.Equal(d(10000)))
		assert.Equal(t, model.ParticipantInvestor, fills[1].BuyUserType)

		none, err := s.ListFills(ctx, "F2", start, end)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("InventoryUpsert", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()
		day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		day3 := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

		inv := &model.DailyInventory{
			FundID: "F1", Date: day1, ClosingQuantity: d(1000), ClosingAvgPrice: d(10000),
			Status: model.InventoryDraft, UpdatedAt: t0,
		}
		require.NoError(t, s.CreateInventory(ctx, inv))
		assert.ErrorIs(t, s.CreateInventory(ctx, inv), ErrConflict)

		got, err := s.GetInventory(ctx, "F1", day1)
		require.NoError(t, err)
		assert.Equal(t, model.InventoryDraft, got.Status)

		inv.ClosingQuantity = d(1100)
		inv.Status = model.InventoryConfirmed
		require.NoError(t, s.SaveInventory(ctx, inv))
		got, err = s.GetInventory(ctx, "F1", day1)
		require.NoError(t, err)
		assert.Equal(t, model.InventoryConfirmed, got.Status)
		assert.True(t, got.ClosingQuantity.Equal(d(1100)), "closing %s", got.ClosingQuantity)
		assert.True(t, got.Date.Equal(day1))

		prev, err := s.LatestInventoryBefore(ctx, "F1", day3)
		require.NoError(t, err)
		assert.True(t, prev.Date.Equal(day1))
		_, err = s.LatestInventoryBefore(ctx, "F1", day1)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveInventory(ctx, &model.DailyInventory{FundID: "F1", Date: day3, UpdatedAt: t0}))
		all, err := s.ListInventories(ctx, "F1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, all[0].Date.Equal(day3))
		assert.True(t, all[1].Date.Equal(day1))
	})

	t.Run("CapConfig", func(t *testing.T) {
		s := fresh(t)
		ctx := context.Background()

		_, err := s.GetCapConfig(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveCapConfig(ctx, &model.CapConfig{Lower: d(-0.5), Upper: d(0.5)}))
		require.NoError(t, s.SaveCapConfig(ctx, &model.CapConfig{Lower: d(-1), Upper: d(1)}))
		got, err := s.GetCapConfig(ctx, "")
		require.NoError(t, err)
		assert.True(t, got.Upper.Equal(d(1)))
	})
}
