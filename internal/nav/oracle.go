package nav

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/capguard"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/store"
)

// OracleRepository is what Oracle reads besides the inventory.
type OracleRepository interface {
	GetFund(ctx context.Context, id string) (*model.Fund, error)
	GetCapConfig(ctx context.Context, fundID string) (*model.CapConfig, error)
}

// Oracle serves the market maker's reference prices: today's opening
// average price, the fund's capital cost and the cap window.
type Oracle struct {
	inventory *Service
	repo      OracleRepository
}

// NewOracle creates an oracle backed by the inventory service.
func NewOracle(inventory *Service, repo OracleRepository) *Oracle {
	return &Oracle{inventory: inventory, repo: repo}
}

func (o *Oracle) OpeningPrice(ctx context.Context, fundID string, day time.Time) (decimal.Decimal, error) {
	return o.inventory.OpeningPrice(ctx, fundID, day)
}

func (o *Oracle) CapitalCostPercent(ctx context.Context, fundID string) (decimal.Decimal, error) {
	f, err := o.repo.GetFund(ctx, fundID)
	if err != nil {
		return decimal.Zero, err
	}
	return f.CapitalCostPercent, nil
}

// CapBounds prefers the fund's own window, then the global one. With
// neither configured every delta passes.
func (o *Oracle) CapBounds(ctx context.Context, fundID string) (*capguard.Guard, error) {
	perFund, err := o.capConfig(ctx, fundID)
	if err != nil {
		return nil, err
	}
	global, err := o.capConfig(ctx, "")
	if err != nil {
		return nil, err
	}
	return capguard.Resolve(perFund, global)
}

func (o *Oracle) capConfig(ctx context.Context, fundID string) (*model.CapConfig, error) {
	c, err := o.repo.GetCapConfig(ctx, fundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return c, err
}
