// Package app assembles the fund engine from configuration. Both the
// server and the fundctl CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fundbo/fund-engine/internal/config"
	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/fund"
	"github.com/fundbo/fund-engine/internal/lock"
	"github.com/fundbo/fund-engine/internal/marketmaker"
	"github.com/fundbo/fund-engine/internal/metrics"
	"github.com/fundbo/fund-engine/internal/model"
	"github.com/fundbo/fund-engine/internal/nav"
	"github.com/fundbo/fund-engine/internal/store"
	"github.com/fundbo/fund-engine/internal/store/migrations"
	"github.com/fundbo/fund-engine/internal/stream"
)

// App holds the wired services.
type App struct {
	Config    *config.Config
	Store     store.Store
	Locker    lock.Locker
	Inventory *nav.Service
	Oracle    *nav.Oracle
	Backstop  *marketmaker.Backstop
	Hub       *stream.Hub
	Exchange  *exchange.Service
	Logger    *slog.Logger

	cleanup []func()
}

// NewLogger returns the JSON logger used by both binaries.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// New connects the configured backends and builds every service. With
// no DATABASE_URL the engine runs on the in-memory store.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.FundSeedFile != "" {
		cat, err := fund.LoadCatalogue(cfg.FundSeedFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		n, err := SeedFunds(ctx, a.Store, cat, time.Now().UTC())
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("fund catalogue loaded", "file", cfg.FundSeedFile, "created", n, "declared", len(cat.Funds))
	}

	a.Inventory = nav.NewService(a.Store, nav.Config{Location: cfg.Location, Logger: logger})
	a.Oracle = nav.NewOracle(a.Inventory, a.Store)
	backstop, err := marketmaker.New(a.Oracle, marketmaker.Config{
		AccountID: cfg.MarketMakerAccount,
		Location:  cfg.Location,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Backstop = backstop
	a.Hub = stream.NewHub(logger)
	a.Exchange = exchange.NewService(exchange.Deps{
		Store:     a.Store,
		Locker:    a.Locker,
		Backstop:  a.Backstop,
		Inventory: a.Inventory,
		Publisher: a.Hub,
	}, exchange.Config{
		UseTimePriority: cfg.UseTimePriority,
		Logger:          logger,
	})

	if funds, err := a.Store.ListFunds(ctx); err == nil {
		active := 0
		for _, f := range funds {
			if f.Status == model.FundActive {
				active++
			}
		}
		metrics.ActiveFunds.Set(float64(active))
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg, log := a.Config, a.Logger

	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
		a.Locker = lock.NewMemoryLocker()
		return nil
	}

	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, cfg.DatabaseURL, log); err != nil {
			return err
		}
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	a.Store = store.NewPostgresStore(pool)
	a.Locker = lock.NewMemoryLocker()
	log.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.Store = store.NewCachedStore(a.Store, rdb, cfg.CacheTTL)
	a.Locker = lock.NewRedisLocker(rdb, cfg.LockTTL, log)
	log.Info("Redis cache and distributed lock enabled")
	return nil
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// SeedFunds creates every catalogue fund that does not exist yet and
// stores the declared cap windows. Existing funds are left untouched.
// It returns the number of funds created.
func SeedFunds(ctx context.Context, st store.Store, cat *fund.Catalogue, now time.Time) (int, error) {
	created := 0
	for _, s := range cat.Funds {
		err := st.CreateFund(ctx, s.Fund(now))
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrConflict):
		default:
			return created, fmt.Errorf("seed fund %s: %w", s.ID, err)
		}
	}
	for _, c := range cat.CapConfigs() {
		if err := st.SaveCapConfig(ctx, &c); err != nil {
			return created, fmt.Errorf("seed cap config %q: %w", c.FundID, err)
		}
	}
	return created, nil
}
