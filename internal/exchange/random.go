package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/pricing"
)

// RandomOrdersRequest configures GenerateRandomOrders.
type RandomOrdersRequest struct {
	FundID string `json:"fund_id"`
	Count  int    `json:"count"`
	// Accounts to draw from; defaults to investor-1..investor-5.
	Accounts []string `json:"accounts,omitempty"`
	MinUnits int64    `json:"min_units"`
	MaxUnits int64    `json:"max_units"`
	// BandPercent spreads prices around NAV by up to this percentage.
	BandPercent decimal.Decimal `json:"band_percent"`
	// Seed makes the batch reproducible when non-zero.
	Seed uint64 `json:"seed,omitempty"`
}

const maxRandomOrders = 1000

// GenerateRandomOrders places a batch of test orders around the fund's
// NAV, prices banded to 50.
func (s *Service) GenerateRandomOrders(ctx context.Context, req RandomOrdersRequest) ([]*model.Order, error) {
	if req.Count <= 0 || req.Count > maxRandomOrders {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidOrder, maxRandomOrders)
	}
	if req.MinUnits <= 0 {
		req.MinUnits = 1
	}
	if req.MaxUnits < req.MinUnits {
		req.MaxUnits = req.MinUnits * 100
	}
	if req.BandPercent.IsZero() {
		req.BandPercent = decimal.NewFromInt(2)
	}
	if len(req.Accounts) == 0 {
		req.Accounts = []string{"investor-1", "investor-2", "investor-3", "investor-4", "investor-5"}
	}

	f, err := s.activeFund(ctx, req.FundID)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(req.Seed, req.Seed^0x9e3779b97f4a7c15))
	if req.Seed == 0 {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	hundred := decimal.NewFromInt(100)
	orders := make([]*model.Order, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		side := model.SidePurchase
		if rng.IntN(2) == 1 {
			side = model.SideSell
		}
		// Uniform offset in [-band, +band] percent.
		offset := decimal.NewFromFloat(rng.Float64()*2 - 1).Mul(req.BandPercent).Div(hundred)
		price := pricing.RoundPrice(f.CurrentNAV.Mul(decimal.NewFromInt(1).Add(offset)))
		if !price.IsPositive() {
			price = f.CurrentNAV
		}
		units := req.MinUnits + rng.Int64N(req.MaxUnits-req.MinUnits+1)

		o, err := s.PlaceOrder(ctx, PlaceOrderRequest{
			AccountID: req.Accounts[rng.IntN(len(req.Accounts))],
			FundID:    f.ID,
			Side:      side,
			Units:     decimal.NewFromInt(units),
			Price:     price,
		})
		if err != nil {
			return orders, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
