// Package store defines the persistence interfaces for the fund engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique record already exists or an
	// order is not in a state that allows the change.
	ErrConflict = errors.New("store: conflict")

	// ErrFillRejected is returned when a fill would exceed an order's
	// remaining quantity or the order is no longer pending. Fills are
	// applied at most once.
	ErrFillRejected = errors.New("store: fill rejected")
)

// FundRepository persists the fund catalogue.
type FundRepository interface {
	// CreateFund persists a new fund. Returns ErrConflict if the id or
	// ticker already exists.
	CreateFund(ctx context.Context, fund *model.Fund) error

	// GetFund retrieves a fund by id.
	GetFund(ctx context.Context, id string) (*model.Fund, error)

	// ListFunds returns all funds ordered by ticker.
	ListFunds(ctx context.Context) ([]model.Fund, error)
}

// OrderRepository persists orders.
type OrderRepository interface {
	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListPendingOrders returns pending orders of side, oldest first. An
	// empty fundID lists every fund.
	ListPendingOrders(ctx context.Context, side model.Side, fundID string) ([]*model.Order, error)

	// ApplyFill adds qty to an order's matched units, completing it when
	// nothing remains.
	ApplyFill(ctx context.Context, orderID string, qty decimal.Decimal) (*model.Order, error)

	// MarkCompleted closes a pending order.
	MarkCompleted(ctx context.Context, orderID string) error

	// CancelOrder cancels a pending order.
	CancelOrder(ctx context.Context, orderID string) (*model.Order, error)
}

// PairFilter selects matched pairs for listing.
type PairFilter struct {
	FundID string
	Limit  int
	Offset int
}

// MatchLedger is the append-only ledger of fills.
type MatchLedger interface {
	// RecordFill atomically applies pair.Quantity to both orders and
	// appends the pair.
	RecordFill(ctx context.Context, pair *model.MatchedPair) error

	// ListMatchedPairs returns one page of pairs, newest first, and the
	// total number of pairs matching the filter.
	ListMatchedPairs(ctx context.Context, filter PairFilter) ([]model.MatchedPair, int, error)

	// ListFills returns fundID's pairs matched in [from, to), oldest first.
	ListFills(ctx context.Context, fundID string, from, to time.Time) ([]model.MatchedPair, error)
}

// InventoryRepository persists daily inventory rows.
type InventoryRepository interface {
	// GetInventory returns the row for (fund, day).
	GetInventory(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error)

	// LatestInventoryBefore returns the most recent row strictly before day.
	LatestInventoryBefore(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error)

	// CreateInventory inserts a row. Returns ErrConflict if (fund, day)
	// already exists.
	CreateInventory(ctx context.Context, inv *model.DailyInventory) error

	// SaveInventory upserts a row.
	SaveInventory(ctx context.Context, inv *model.DailyInventory) error

	// ListInventories returns a fund's rows, newest first.
	ListInventories(ctx context.Context, fundID string) ([]model.DailyInventory, error)
}

// CapConfigRepository persists interest-rate cap windows.
type CapConfigRepository interface {
	// GetCapConfig returns the window stored for fundID ("" is global).
	GetCapConfig(ctx context.Context, fundID string) (*model.CapConfig, error)

	// SaveCapConfig upserts a window.
	SaveCapConfig(ctx context.Context, cfg *model.CapConfig) error
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	FundRepository
	OrderRepository
	MatchLedger
	InventoryRepository
	CapConfigRepository
}
