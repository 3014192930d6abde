package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundbo/fund-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	funds       map[string]*model.Fund
	orders      map[string]*model.Order
	pairs       []model.MatchedPair
	inventories map[inventoryKey]*model.DailyInventory
	caps        map[string]*model.CapConfig
	now         func() time.Time
}

type inventoryKey struct {
	fundID string
	day    string
}

func invKey(fundID string, day time.Time) inventoryKey {
	return inventoryKey{fundID: fundID, day: day.Format(time.DateOnly)}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funds:       make(map[string]*model.Fund),
		orders:      make(map[string]*model.Order),
		inventories: make(map[inventoryKey]*model.DailyInventory),
		caps:        make(map[string]*model.CapConfig),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// --- Funds ---

func (s *MemoryStore) CreateFund(_ context.Context, f *model.Fund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funds[f.ID]; ok {
		return fmt.Errorf("fund %s: %w", f.ID, ErrConflict)
	}
	for _, existing := range s.funds {
		if existing.Ticker == f.Ticker {
			return fmt.Errorf("ticker %s: %w", f.Ticker, ErrConflict)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *f
	s.funds[f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFund(_ context.Context, id string) (*model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.funds[id]
	if !ok {
		return nil, fmt.Errorf("fund %s: %w", id, ErrNotFound)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFunds(_ context.Context) ([]model.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	funds := make([]model.Fund, 0, len(s.funds))
	for _, f := range s.funds {
		funds = append(funds, *f)
	}
	sort.Slice(funds, func(i, j int) bool { return funds[i].Ticker < funds[j].Ticker })
	return funds, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	if _, ok := s.funds[o.FundID]; !ok {
		return fmt.Errorf("fund %s: %w", o.FundID, ErrNotFound)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListPendingOrders(_ context.Context, side model.Side, fundID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Order
	for _, o := range s.orders {
		if o.Status != model.OrderPending || o.Side != side {
			continue
		}
		if fundID != "" && o.FundID != fundID {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sortOrders(result, func(o *model.Order) time.Time { return o.CreatedAt })
	return result, nil
}

func (s *MemoryStore) ApplyFill(_ context.Context, orderID string, qty decimal.Decimal) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.fillable(orderID, qty)
	if err != nil {
		return nil, err
	}
	o.Fill(qty, s.now())
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.OrderPending {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrConflict)
	}
	o.Status = model.OrderCompleted
	o.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrConflict)
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = s.now()
	cp := *o
	return &cp, nil
}

// fillable returns the live order when qty can be applied to it.
// Caller must hold the write lock.
func (s *MemoryStore) fillable(orderID string, qty decimal.Decimal) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != model.OrderPending || !qty.IsPositive() || qty.GreaterThan(o.Remaining()) {
		return nil, fmt.Errorf("order %s (%s, %s remaining) cannot take %s: %w",
			orderID, o.Status, o.Remaining(), qty, ErrFillRejected)
	}
	return o, nil
}

// --- Match ledger ---

// RecordFill validates both legs before touching either, so a rejected
// fill leaves no trace.
func (s *MemoryStore) RecordFill(_ context.Context, p *model.MatchedPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buy, err := s.fillable(p.BuyOrderID, p.Quantity)
	if err != nil {
		return err
	}
	sell, err := s.fillable(p.SellOrderID, p.Quantity)
	if err != nil {
		return err
	}
	for _, existing := range s.pairs {
		if existing.ID == p.ID {
			return fmt.Errorf("pair %s: %w", p.ID, ErrFillRejected)
		}
	}

	buy.Fill(p.Quantity, p.MatchedAt)
	sell.Fill(p.Quantity, p.MatchedAt)
	s.pairs = append(s.pairs, *p)
	return nil
}

func (s *MemoryStore) ListMatchedPairs(_ context.Context, filter PairFilter) ([]model.MatchedPair, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.MatchedPair
	for i := len(s.pairs) - 1; i >= 0; i-- {
		if filter.FundID != "" && s.pairs[i].FundID != filter.FundID {
			continue
		}
		matched = append(matched, s.pairs[i])
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].MatchedAt.After(matched[j].MatchedAt) })

	total := len(matched)
	return page(matched, filter.Offset, filter.Limit), total, nil
}

func (s *MemoryStore) ListFills(_ context.Context, fundID string, from, to time.Time) ([]model.MatchedPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MatchedPair
	for _, p := range s.pairs {
		if p.FundID != fundID || p.MatchedAt.Before(from) || !p.MatchedAt.Before(to) {
			continue
		}
		result = append(result, p)
	}
	sort.SliceStable(result, func(i, j int) bool {
		ti, tj := result[i].MatchedAt, result[j].MatchedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// --- Inventory ---

func (s *MemoryStore) GetInventory(_ context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.inventories[invKey(fundID, day)]
	if !ok {
		return nil, fmt.Errorf("inventory %s@%s: %w", fundID, day.Format(time.DateOnly), ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) LatestInventoryBefore(_ context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := day.Format(time.DateOnly)
	var best *model.DailyInventory
	var bestDay string
	for k, inv := range s.inventories {
		if k.fundID != fundID || k.day >= cutoff {
			continue
		}
		if best == nil || k.day > bestDay {
			best, bestDay = inv, k.day
		}
	}
	if best == nil {
		return nil, fmt.Errorf("inventory %s before %s: %w", fundID, cutoff, ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) CreateInventory(_ context.Context, inv *model.DailyInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := invKey(inv.FundID, inv.Date)
	if _, ok := s.inventories[k]; ok {
		return fmt.Errorf("inventory %s@%s: %w", inv.FundID, k.day, ErrConflict)
	}
	cp := *inv
	s.inventories[k] = &cp
	return nil
}

func (s *MemoryStore) SaveInventory(_ context.Context, inv *model.DailyInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inv
	s.inventories[invKey(inv.FundID, inv.Date)] = &cp
	return nil
}

func (s *MemoryStore) ListInventories(_ context.Context, fundID string) ([]model.DailyInventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DailyInventory
	for k, inv := range s.inventories {
		if k.fundID == fundID {
			result = append(result, *inv)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	return result, nil
}

// --- Cap configuration ---

func (s *MemoryStore) GetCapConfig(_ context.Context, fundID string) (*model.CapConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.caps[fundID]
	if !ok {
		return nil, fmt.Errorf("cap config %q: %w", fundID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SaveCapConfig(_ context.Context, c *model.CapConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.caps[c.FundID] = &cp
	return nil
}

// sortOrders orders by the given timestamp, then id for a stable result.
func sortOrders(orders []*model.Order, at func(*model.Order) time.Time) {
	sort.Slice(orders, func(i, j int) bool {
		ti, tj := at(orders[i]), at(orders[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return orders[i].ID < orders[j].ID
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
