// Package exchange orchestrates order intake, matching runs and the
// market-maker backstop on top of the store. Every run that touches a
// fund's books holds that fund's lock, so each fund has a single writer.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/lock"
	"github.com/fundbo/fund-engine/internal/marketmaker"
	"github.com/fundbo/fund-engine/internal/metrics"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/pricing"
	"github.com/fundbo/fund-engine/internal/store"
	"github.com/fundbo/fund-engine/internal/stream"
)

var (
	// ErrInvalidOrder is returned for malformed order requests.
	ErrInvalidOrder = errors.New("exchange: invalid order")

	// ErrFundNotFound is returned when the referenced fund does not exist.
	ErrFundNotFound = errors.New("exchange: fund not found")

	// ErrFundInactive is returned when the fund does not accept trading.
	ErrFundInactive = errors.New("exchange: fund inactive")

	// ErrOrderNotFound is returned when the referenced order does not exist.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrOrderClosed is returned when an order is no longer pending.
	ErrOrderClosed = errors.New("exchange: order is not pending")

	// ErrNoBackstop is returned when no market maker is configured.
	ErrNoBackstop = errors.New("exchange: market maker not configured")
)

// Publisher receives engine events.
type Publisher interface {
	Publish(ev stream.Event)
}

// Inventory rebuilds the market maker's daily inventory after fills.
type Inventory interface {
	Today() time.Time
	Recalculate(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error)
}

// Deps are the collaborators of a Service. Backstop, Inventory and
// Publisher are optional.
type Deps struct {
	Store     store.Store
	Locker    lock.Locker
	Backstop  *marketmaker.Backstop
	Inventory Inventory
	Publisher Publisher
}

// Config tunes a Service.
type Config struct {
	// UseTimePriority is the default tie-break for runs that do not set one.
	UseTimePriority bool

	// Fees is the purchase fee schedule. Defaults to DefaultFeeSchedule.
	Fees pricing.FeeSchedule

	// MaxParallel bounds concurrent fund runs in MatchAll. Zero means one
	// goroutine per fund.
	MaxParallel int

	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Service is the exchange facade used by the API, scheduler and CLI.
type Service struct {
	store     store.Store
	locker    lock.Locker
	backstop  *marketmaker.Backstop
	inventory Inventory
	pub       Publisher

	timePriority bool
	fees         pricing.FeeSchedule
	maxParallel  int
	now          func() time.Time
	newID        func() string
	log          *slog.Logger
}

// NewService creates an exchange service.
func NewService(deps Deps, cfg Config) *Service {
	s := &Service{
		store:        deps.Store,
		locker:       deps.Locker,
		backstop:     deps.Backstop,
		inventory:    deps.Inventory,
		pub:          deps.Publisher,
		timePriority: cfg.UseTimePriority,
		fees:         cfg.Fees,
		maxParallel:  cfg.MaxParallel,
		now:          cfg.Now,
		newID:        cfg.NewID,
		log:          cfg.Logger,
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker()
	}
	if s.pub == nil {
		s.pub = discard{}
	}
	if len(s.fees) == 0 {
		s.fees = pricing.DefaultFeeSchedule()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "exchange")
	return s
}

type discard struct{}

func (discard) Publish(stream.Event) {}

// PlaceOrderRequest is the input of PlaceOrder.
type PlaceOrderRequest struct {
	AccountID string          `json:"account_id"`
	FundID    string          `json:"fund_id"`
	Side      model.Side      `json:"side"`
	Units     decimal.Decimal `json:"units"`
	// Price defaults to the fund's current NAV when zero.
	Price        decimal.Decimal `json:"price"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TermDays     int             `json:"term_days"`
}

func (r PlaceOrderRequest) validate() error {
	switch {
	case r.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidOrder)
	case r.FundID == "":
		return fmt.Errorf("%w: fund_id is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be purchase or sell, got %q", ErrInvalidOrder, r.Side)
	case !r.Units.IsPositive():
		return fmt.Errorf("%w: units must be positive", ErrInvalidOrder)
	case r.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	case r.InterestRate.IsNegative():
		return fmt.Errorf("%w: interest_rate must not be negative", ErrInvalidOrder)
	case r.TermDays < 0:
		return fmt.Errorf("%w: term_days must not be negative", ErrInvalidOrder)
	}
	return nil
}

// PlaceOrder validates and persists a pending order. Purchases carry the
// scheduled fee; sells are free.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	f, err := s.activeFund(ctx, req.FundID)
	if err != nil {
		return nil, err
	}

	price := req.Price
	if price.IsZero() {
		price = f.CurrentNAV
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: fund %s has no NAV to price from", ErrInvalidOrder, f.ID)
	}

	amount := req.Units.Mul(price)
	fee := decimal.Zero
	if req.Side == model.SidePurchase {
		fee = s.fees.Fee(amount)
	}
	source := model.ParticipantInvestor
	if s.backstop != nil && req.AccountID == s.backstop.AccountID() {
		source = model.ParticipantMarketMaker
	}

	now := s.now()
	o := &model.Order{
		ID:           s.newID(),
		AccountID:    req.AccountID,
		FundID:       f.ID,
		Side:         req.Side,
		Units:        req.Units,
		MatchedUnits: decimal.Zero,
		Price:        price,
		Amount:       amount,
		Fee:          fee,
		Status:       model.OrderPending,
		Source:       source,
		InterestRate: req.InterestRate,
		TermDays:     req.TermDays,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrdersPlaced.WithLabelValues(string(o.Side)).Inc()
	s.log.Info("order placed", "order_id", o.ID, "fund_id", o.FundID, "side", o.Side,
		"units", o.Units, "price", o.Price, "account_id", o.AccountID)
	s.pub.Publish(stream.Event{
		Type:     stream.EventOrderPlaced,
		FundID:   o.FundID,
		OrderID:  o.ID,
		Side:     string(o.Side),
		Quantity: o.Units.String(),
		Price:    o.Price.String(),
		Time:     now,
	})
	return o, nil
}

// CancelOrder cancels a pending order.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, orderError(orderID, err)
	}
	s.log.Info("order cancelled", "order_id", o.ID, "fund_id", o.FundID)
	s.pub.Publish(stream.Event{Type: stream.EventOrderCancelled, FundID: o.FundID, OrderID: o.ID, Time: o.UpdatedAt})
	return o, nil
}

// GetOrder returns one order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, orderError(orderID, err)
	}
	return o, nil
}

// PendingOrders lists a side of the book, optionally for one fund.
func (s *Service) PendingOrders(ctx context.Context, side model.Side, fundID string) ([]*model.Order, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side must be purchase or sell, got %q", ErrInvalidOrder, side)
	}
	return s.store.ListPendingOrders(ctx, side, fundID)
}

func (s *Service) activeFund(ctx context.Context, fundID string) (*model.Fund, error) {
	f, err := s.store.GetFund(ctx, fundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFundNotFound, fundID)
	}
	if err != nil {
		return nil, err
	}
	if f.Status != model.FundActive {
		return nil, fmt.Errorf("%w: %s", ErrFundInactive, fundID)
	}
	return f, nil
}

func orderError(orderID string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %s", ErrOrderClosed, orderID)
	default:
		return err
	}
}

func lockKey(fundID string) string {
	return "fund:" + fundID + ":matching"
}
