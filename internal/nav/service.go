package nav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/store"
)

// ErrConfirmed is returned when a frozen inventory row would be rewritten.
var ErrConfirmed = errors.New("nav: inventory already confirmed")

// Repository is the persistence the inventory service needs.
type Repository interface {
	store.InventoryRepository
	GetFund(ctx context.Context, id string) (*model.Fund, error)
	ListFunds(ctx context.Context) ([]model.Fund, error)
	ListFills(ctx context.Context, fundID string, from, to time.Time) ([]model.MatchedPair, error)
}

// Config configures a Service.
type Config struct {
	// Location decides where calendar days begin.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service manages daily inventory rows.
type Service struct {
	repo Repository
	loc  *time.Location
	now  func() time.Time
	log  *slog.Logger
}

// NewService creates an inventory service.
func NewService(repo Repository, cfg Config) *Service {
	s := &Service{repo: repo, loc: cfg.Location, now: cfg.Now, log: cfg.Logger}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "nav")
	return s
}

// Today is the current calendar day in the service's location.
func (s *Service) Today() time.Time {
	return model.Day(s.now(), s.loc)
}

// Ensure returns the row for (fund, day), creating a draft seeded from
// the latest earlier row or the fund's initial configuration.
func (s *Service) Ensure(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	day = dateOf(day)
	inv, err := s.repo.GetInventory(ctx, fundID, day)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	opening, err := s.opening(ctx, fundID, day)
	if err != nil {
		return nil, err
	}
	inv = &model.DailyInventory{
		FundID:          fundID,
		Date:            day,
		OpeningQuantity: opening.Quantity,
		OpeningAvgPrice: opening.AvgPrice,
		ClosingQuantity: opening.Quantity,
		ClosingAvgPrice: opening.AvgPrice,
		Status:          model.InventoryDraft,
		UpdatedAt:       s.now(),
	}
	if err := s.repo.CreateInventory(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another writer created the row first.
			return s.repo.GetInventory(ctx, fundID, day)
		}
		return nil, err
	}
	s.log.Info("inventory opened", "fund_id", fundID, "date", day.Format(time.DateOnly),
		"opening_quantity", opening.Quantity, "opening_avg_price", opening.AvgPrice)
	return inv, nil
}

// Recalculate rebuilds a draft row: opening from the prior row, closing
// from the day's market-maker fills.
func (s *Service) Recalculate(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	inv, err := s.Ensure(ctx, fundID, day)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InventoryConfirmed {
		return inv, fmt.Errorf("%w: %s@%s", ErrConfirmed, fundID, inv.Date.Format(time.DateOnly))
	}
	if err := s.rebuild(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.repo.SaveInventory(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Confirm recalculates a draft row and freezes it. Confirming a frozen
// row is a no-op.
func (s *Service) Confirm(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	inv, err := s.Ensure(ctx, fundID, day)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InventoryConfirmed {
		return inv, nil
	}
	if err := s.rebuild(ctx, inv); err != nil {
		return nil, err
	}
	inv.Status = model.InventoryConfirmed
	if err := s.repo.SaveInventory(ctx, inv); err != nil {
		return nil, err
	}
	s.log.Info("inventory confirmed", "fund_id", fundID, "date", inv.Date.Format(time.DateOnly),
		"closing_quantity", inv.ClosingQuantity, "closing_avg_price", inv.ClosingAvgPrice)
	return inv, nil
}

// OpeningPrice is the opening average price of (fund, day).
func (s *Service) OpeningPrice(ctx context.Context, fundID string, day time.Time) (decimal.Decimal, error) {
	inv, err := s.Ensure(ctx, fundID, day)
	if err != nil {
		return decimal.Zero, err
	}
	return inv.OpeningAvgPrice, nil
}

// Rollover confirms every draft day before today and opens today for
// every active fund. Failures are collected per fund and do not stop the
// others.
func (s *Service) Rollover(ctx context.Context, now time.Time) ([]model.DailyInventory, error) {
	funds, err := s.repo.ListFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list funds: %w", err)
	}
	today := model.Day(now, s.loc)

	var opened []model.DailyInventory
	var errs []error
	for _, f := range funds {
		if err := ctx.Err(); err != nil {
			return opened, err
		}
		if f.Status != model.FundActive {
			continue
		}
		if err := s.closeDays(ctx, f.ID, today); err != nil {
			errs = append(errs, fmt.Errorf("confirm %s: %w", f.ID, err))
			continue
		}
		inv, err := s.Recalculate(ctx, f.ID, today)
		if err != nil && !errors.Is(err, ErrConfirmed) {
			errs = append(errs, fmt.Errorf("open %s: %w", f.ID, err))
			continue
		}
		opened = append(opened, *inv)
	}
	s.log.Info("inventory rollover", "date", today.Format(time.DateOnly), "funds", len(opened), "errors", len(errs))
	return opened, errors.Join(errs...)
}

// closeDays confirms the fund's draft rows dated before today, oldest
// first so each opening is taken from an already frozen day. Days with no
// row are left alone.
func (s *Service) closeDays(ctx context.Context, fundID string, today time.Time) error {
	rows, err := s.repo.ListInventories(ctx, fundID)
	if err != nil {
		return err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		inv := rows[i]
		if !inv.Date.Before(today) || inv.Status == model.InventoryConfirmed {
			continue
		}
		if _, err := s.Confirm(ctx, fundID, inv.Date); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rebuild(ctx context.Context, inv *model.DailyInventory) error {
	opening, err := s.opening(ctx, inv.FundID, inv.Date)
	if err != nil {
		return err
	}
	trades, err := s.trades(ctx, inv.FundID, inv.Date)
	if err != nil {
		return err
	}
	closing := Derive(opening, trades)

	inv.OpeningQuantity = opening.Quantity
	inv.OpeningAvgPrice = opening.AvgPrice
	inv.ClosingQuantity = closing.Quantity
	inv.ClosingAvgPrice = closing.AvgPrice
	inv.UpdatedAt = s.now()
	return nil
}

func (s *Service) opening(ctx context.Context, fundID string, day time.Time) (Opening, error) {
	prev, err := s.repo.LatestInventoryBefore(ctx, fundID, day)
	if err == nil {
		return Opening{Quantity: prev.ClosingQuantity, AvgPrice: prev.ClosingAvgPrice}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Opening{}, err
	}
	f, err := s.repo.GetFund(ctx, fundID)
	if err != nil {
		return Opening{}, err
	}
	return Opening{Quantity: f.InitialQuantity, AvgPrice: f.InitialPrice}, nil
}

func (s *Service) trades(ctx context.Context, fundID string, day time.Time) ([]Trade, error) {
	from, to := model.DayBounds(day, s.loc)
	fills, err := s.repo.ListFills(ctx, fundID, from, to)
	if err != nil {
		return nil, fmt.Errorf("fills %s@%s: %w", fundID, day.Format(time.DateOnly), err)
	}
	return TradesFrom(fills), nil
}

// dateOf drops any clock component, keeping the calendar fields of day.
func dateOf(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}
