package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fundbo/fund-engine/internal/api"
	"github.com/fundbo/fund-engine/internal/app"
	"github.com/fundbo/fund-engine/internal/config"
	"github.com/fundbo/fund-engine/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- WebSocket hub ---
	go a.Hub.Run(ctx)

	// --- Scheduled jobs ---
	sched := scheduler.New(scheduler.Config{Location: cfg.Location, JobTimeout: 10 * time.Minute, Logger: logger})
	rollover := &scheduler.RolloverJob{Inventory: a.Inventory, Logger: logger}
	if cfg.RolloverSchedule != "" {
		if err := sched.AddJob(cfg.RolloverSchedule, rollover); err != nil {
			slog.Error("invalid rollover schedule", "err", err)
			os.Exit(1)
		}
	}
	if cfg.MatchSchedule != "" {
		if err := sched.AddJob(cfg.MatchSchedule, &scheduler.MatchJob{Exchange: a.Exchange, HandleRemaining: a.Backstop != nil, Logger: logger}); err != nil {
			slog.Error("invalid match schedule", "err", err)
			os.Exit(1)
		}
	}
	// Open today's rows on boot; a missed rollover must not leave the
	// market maker without an opening price.
	if err := sched.RunNow(rollover); err != nil {
		slog.Warn("startup rollover incomplete", "err", err)
	}
	sched.Start()

	// --- HTTP ---
	h := api.NewHandler(api.Deps{
		Store:     a.Store,
		Exchange:  a.Exchange,
		Inventory: a.Inventory,
		Oracle:    a.Oracle,
		Hub:       a.Hub,
	}, api.Config{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: 30 * time.Second,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fund-engine listening", "port", cfg.Port, "timezone", cfg.Timezone,
			"market_maker", cfg.MarketMakerAccount, "time_priority", cfg.UseTimePriority)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down fund-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	sched.Stop(shutdownCtx)
	slog.Info("fund-engine stopped")
}
