package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fundbo/fund-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for funds and inventory rows. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Orders and pairs are never cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateFund(ctx context.Context, f *model.Fund) error {
	if err := s.Store.CreateFund(ctx, f); err != nil {
		return err
	}
	s.cache(ctx, fundKey(f.ID), f)
	return nil
}

func (s *CachedStore) CreateInventory(ctx context.Context, inv *model.DailyInventory) error {
	if err := s.Store.CreateInventory(ctx, inv); err != nil {
		return err
	}
	s.rdb.Del(ctx, invCacheKey(inv.FundID, inv.Date))
	return nil
}

func (s *CachedStore) SaveInventory(ctx context.Context, inv *model.DailyInventory) error {
	if err := s.Store.SaveInventory(ctx, inv); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, invCacheKey(inv.FundID, inv.Date))
	return nil
}

func (s *CachedStore) SaveCapConfig(ctx context.Context, c *model.CapConfig) error {
	if err := s.Store.SaveCapConfig(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, capKey(c.FundID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFund(ctx context.Context, id string) (*model.Fund, error) {
	var f model.Fund
	if s.lookup(ctx, fundKey(id), &f) {
		return &f, nil
	}

	// Cache miss: read from primary.
	fp, err := s.Store.GetFund(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, fundKey(id), fp)
	return fp, nil
}

func (s *CachedStore) GetInventory(ctx context.Context, fundID string, day time.Time) (*model.DailyInventory, error) {
	var inv model.DailyInventory
	if s.lookup(ctx, invCacheKey(fundID, day), &inv) {
		return &inv, nil
	}

	ip, err := s.Store.GetInventory(ctx, fundID, day)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, invCacheKey(fundID, day), ip)
	return ip, nil
}

func (s *CachedStore) GetCapConfig(ctx context.Context, fundID string) (*model.CapConfig, error) {
	var c model.CapConfig
	if s.lookup(ctx, capKey(fundID), &c) {
		return &c, nil
	}

	cp, err := s.Store.GetCapConfig(ctx, fundID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, capKey(fundID), cp)
	return cp, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func fundKey(id string) string { return fmt.Sprintf("fund:%s", id) }
func capKey(id string) string  { return fmt.Sprintf("capconfig:%s", id) }

func invCacheKey(fundID string, day time.Time) string {
	return fmt.Sprintf("inventory:%s:%s", fundID, day.Format(time.DateOnly))
}
