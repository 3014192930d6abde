package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/fundbo/fund-engine/internal/marketmaker"
	"github.com/fundbo/fund-engine/internal/matching"
	"github.com/fundbo/fund-engine/internal/metrics"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/nav"
	"github.com/fundbo/fund-engine/internal/stream"
)

// MatchRequest configures one matching run.
type MatchRequest struct {
	FundID string `json:"fund_id"`
	// UseTimePriority overrides the service default when set.
	UseTimePriority *bool `json:"use_time_priority,omitempty"`
	// HandleRemaining lets the market maker absorb leftovers.
	HandleRemaining bool `json:"handle_remaining"`
}

// FillRejection is a planned pair the ledger refused.
type FillRejection struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Reason      string `json:"reason"`
}

// BackstopReport is the persisted outcome of a market-maker pass.
type BackstopReport struct {
	FundID   string                  `json:"fund_id"`
	Fills    []model.MatchedPair     `json:"fills"`
	Rejected []marketmaker.Rejection `json:"rejected"`
}

// MatchReport summarises one fund's run.
type MatchReport struct {
	FundID         string              `json:"fund_id"`
	Algorithm      string              `json:"algorithm"`
	Pairs          []model.MatchedPair `json:"pairs"`
	Rejected       []FillRejection     `json:"rejected,omitempty"`
	Backstop       *BackstopReport     `json:"backstop,omitempty"`
	RemainingBuys  int                 `json:"remaining_buys"`
	RemainingSells int                 `json:"remaining_sells"`
	DurationMS     int64               `json:"duration_ms"`
}

// Match runs the double auction for one fund and persists every fill.
// A run with nothing crossable returns an empty report.
func (s *Service) Match(ctx context.Context, req MatchRequest) (*MatchReport, error) {
	if req.FundID == "" {
		return nil, fmt.Errorf("%w: fund_id is required", ErrInvalidOrder)
	}
	if req.HandleRemaining && s.backstop == nil {
		return nil, ErrNoBackstop
	}
	if _, err := s.activeFund(ctx, req.FundID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(req.FundID))
	if err != nil {
		return nil, fmt.Errorf("lock fund %s: %w", req.FundID, err)
	}
	defer unlock()

	start := time.Now()
	timePriority := s.timePriority
	if req.UseTimePriority != nil {
		timePriority = *req.UseTimePriority
	}
	engine := matching.NewEngine(matching.Options{
		UseTimePriority: timePriority,
		Now:             s.now,
		NewID:           s.newID,
		Logger:          s.log,
	})
	report := &MatchReport{FundID: req.FundID, Algorithm: engine.Algorithm(), Pairs: []model.MatchedPair{}}

	buys, err := s.store.ListPendingOrders(ctx, model.SidePurchase, req.FundID)
	if err != nil {
		return nil, fmt.Errorf("load purchases: %w", err)
	}
	sells, err := s.store.ListPendingOrders(ctx, model.SideSell, req.FundID)
	if err != nil {
		return nil, fmt.Errorf("load sells: %w", err)
	}

	res := engine.Match(buys, sells)
	for i := range res.Pairs {
		p := res.Pairs[i]
		if err := s.store.RecordFill(ctx, &p); err != nil {
			metrics.FillsRejected.Inc()
			s.log.Error("fill not recorded", "fund_id", req.FundID,
				"buy_order_id", p.BuyOrderID, "sell_order_id", p.SellOrderID, "err", err)
			report.Rejected = append(report.Rejected, FillRejection{
				BuyOrderID: p.BuyOrderID, SellOrderID: p.SellOrderID, Reason: err.Error(),
			})
			continue
		}
		report.Pairs = append(report.Pairs, p)
		s.recordPair(p, stream.EventOrderMatched)
	}
	report.RemainingBuys = len(res.RemainingBuys)
	report.RemainingSells = len(res.RemainingSells)

	if req.HandleRemaining {
		bs, err := s.absorbFund(ctx, req.FundID)
		if err != nil {
			metrics.MatchRuns.WithLabelValues(report.Algorithm, "error").Inc()
			return nil, err
		}
		report.Backstop = bs
		report.RemainingBuys, report.RemainingSells = s.countPending(ctx, req.FundID)
	}

	if len(report.Pairs) > 0 || (report.Backstop != nil && len(report.Backstop.Fills) > 0) {
		s.refreshInventory(ctx, req.FundID, "match")
	}

	elapsed := time.Since(start)
	report.DurationMS = elapsed.Milliseconds()
	metrics.MatchDuration.WithLabelValues(report.Algorithm).Observe(elapsed.Seconds())
	metrics.MatchRuns.WithLabelValues(report.Algorithm, "ok").Inc()
	s.log.Info("matching run finished", "fund_id", req.FundID, "algorithm", report.Algorithm,
		"pairs", len(report.Pairs), "rejected", len(report.Rejected),
		"remaining_buys", report.RemainingBuys, "remaining_sells", report.RemainingSells,
		"duration_ms", report.DurationMS)
	return report, nil
}

// MatchAll runs Match for every active fund concurrently. Funds are
// independent: one fund failing does not stop the others, and the
// returned error joins every failure.
func (s *Service) MatchAll(ctx context.Context, useTimePriority *bool, handleRemaining bool) ([]*MatchReport, error) {
	funds, err := s.store.ListFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}

	p := pool.NewWithResults[*MatchReport]().WithContext(ctx)
	if s.maxParallel > 0 {
		p = p.WithMaxGoroutines(s.maxParallel)
	}
	active := 0
	for _, f := range funds {
		if f.Status != model.FundActive {
			continue
		}
		active++
		fundID := f.ID
		p.Go(func(ctx context.Context) (*MatchReport, error) {
			r, err := s.Match(ctx, MatchRequest{
				FundID:          fundID,
				UseTimePriority: useTimePriority,
				HandleRemaining: handleRemaining,
			})
			if err != nil {
				return nil, fmt.Errorf("fund %s: %w", fundID, err)
			}
			return r, nil
		})
	}
	metrics.ActiveFunds.Set(float64(active))

	return p.Wait()
}

// HandleRemaining lets the market maker absorb every leftover order of a
// fund without running the auction first.
func (s *Service) HandleRemaining(ctx context.Context, fundID string) (*BackstopReport, error) {
	if s.backstop == nil {
		return nil, ErrNoBackstop
	}
	if _, err := s.activeFund(ctx, fundID); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(fundID))
	if err != nil {
		return nil, fmt.Errorf("lock fund %s: %w", fundID, err)
	}
	defer unlock()

	report, err := s.absorbFund(ctx, fundID)
	if err != nil {
		return nil, err
	}
	if len(report.Fills) > 0 {
		s.refreshInventory(ctx, fundID, "backstop")
	}
	return report, nil
}

// HandleOne lets the market maker absorb a single order.
func (s *Service) HandleOne(ctx context.Context, orderID string) (*model.MatchedPair, error) {
	if s.backstop == nil {
		return nil, ErrNoBackstop
	}
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, lockKey(o.FundID))
	if err != nil {
		return nil, fmt.Errorf("lock fund %s: %w", o.FundID, err)
	}
	defer unlock()

	// Re-read under the lock; a run may have filled it meanwhile.
	if o, err = s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if o.Status != model.OrderPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
	}
	f, err := s.backstop.AbsorbOne(ctx, o)
	if err != nil {
		metrics.BackstopRejections.Inc()
		return nil, err
	}
	if err := s.persistBackstopFill(ctx, f); err != nil {
		return nil, err
	}
	s.refreshInventory(ctx, o.FundID, "backstop")
	return &f.Pair, nil
}

// absorbFund runs the backstop over the fund's current leftovers. Caller
// holds the fund lock.
func (s *Service) absorbFund(ctx context.Context, fundID string) (*BackstopReport, error) {
	var leftovers []*model.Order
	for _, side := range []model.Side{model.SidePurchase, model.SideSell} {
		orders, err := s.store.ListPendingOrders(ctx, side, fundID)
		if err != nil {
			return nil, fmt.Errorf("load leftovers: %w", err)
		}
		for _, o := range orders {
			// The market maker does not trade against itself.
			if o.AccountID != s.backstop.AccountID() {
				leftovers = append(leftovers, o)
			}
		}
	}

	out, err := s.backstop.Absorb(ctx, leftovers)
	if err != nil {
		return nil, err
	}

	report := &BackstopReport{FundID: fundID, Fills: []model.MatchedPair{}, Rejected: out.Rejected}
	for _, f := range out.Fills {
		if err := s.persistBackstopFill(ctx, f); err != nil {
			s.log.Error("backstop fill not recorded", "order_id", f.Order.ID, "err", err)
			report.Rejected = append(report.Rejected, marketmaker.Rejection{OrderID: f.Order.ID, Reason: err.Error(), Err: err})
			continue
		}
		report.Fills = append(report.Fills, f.Pair)
	}
	metrics.BackstopRejections.Add(float64(len(report.Rejected)))
	return report, nil
}

// persistBackstopFill stores the synthetic order and the pair closing it.
func (s *Service) persistBackstopFill(ctx context.Context, f *marketmaker.Fill) error {
	if err := s.store.CreateOrder(ctx, f.Synthetic); err != nil {
		return fmt.Errorf("create synthetic order: %w", err)
	}
	if err := s.store.RecordFill(ctx, &f.Pair); err != nil {
		metrics.FillsRejected.Inc()
		// Do not leave an unmatched market-maker order in the book.
		if _, cerr := s.store.CancelOrder(ctx, f.Synthetic.ID); cerr != nil {
			s.log.Error("cancel synthetic order", "order_id", f.Synthetic.ID, "err", cerr)
		}
		return fmt.Errorf("record backstop fill: %w", err)
	}
	f.Apply()

	metrics.BackstopFills.WithLabelValues(string(f.Order.Side)).Inc()
	s.recordPair(f.Pair, stream.EventMarketMakerFill)
	s.log.Info("market maker fill", "order_id", f.Order.ID, "fund_id", f.Order.FundID,
		"side", f.Order.Side, "quantity", f.Pair.Quantity, "price", f.Pair.Price)
	return nil
}

func (s *Service) recordPair(p model.MatchedPair, evType stream.EventType) {
	metrics.PairsMatched.WithLabelValues(p.FundID, p.MatchType).Inc()
	metrics.MatchedVolume.WithLabelValues(p.FundID).Add(p.Quantity.InexactFloat64())
	s.pub.Publish(stream.Event{
		Type:     evType,
		FundID:   p.FundID,
		PairID:   p.ID,
		OrderID:  p.BuyOrderID,
		Quantity: p.Quantity.String(),
		Price:    p.Price.String(),
		Time:     p.MatchedAt,
	})
}

// refreshInventory rebuilds today's inventory. Failures are logged; the
// fills are already durable.
func (s *Service) refreshInventory(ctx context.Context, fundID, trigger string) {
	if s.inventory == nil {
		return
	}
	day := s.inventory.Today()
	inv, err := s.inventory.Recalculate(ctx, fundID, day)
	if err != nil {
		if errors.Is(err, nav.ErrConfirmed) {
			s.log.Warn("inventory already confirmed", "fund_id", fundID, "date", day.Format(time.DateOnly))
			return
		}
		s.log.Error("inventory recalculation failed", "fund_id", fundID, "err", err)
		return
	}
	metrics.InventoryRecalculations.WithLabelValues(trigger).Inc()
	s.pub.Publish(stream.Event{
		Type:     stream.EventInventoryUpdated,
		FundID:   fundID,
		Quantity: inv.ClosingQuantity.String(),
		Price:    inv.ClosingAvgPrice.String(),
		Date:     inv.Date.Format(time.DateOnly),
	})
}

func (s *Service) countPending(ctx context.Context, fundID string) (int, int) {
	buys, err := s.store.ListPendingOrders(ctx, model.SidePurchase, fundID)
	if err != nil {
		return 0, 0
	}
	sells, err := s.store.ListPendingOrders(ctx, model.SideSell, fundID)
	if err != nil {
		return len(buys), 0
	}
	return len(buys), len(sells)
}
