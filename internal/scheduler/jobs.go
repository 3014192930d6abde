package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/model"
)

// Roller closes yesterday's inventory and opens today's.
type Roller interface {
	Rollover(ctx context.Context, now time.Time) ([]model.DailyInventory, error)
}

// Matcher runs matching across every active fund.
type Matcher interface {
	MatchAll(ctx context.Context, useTimePriority *bool, handleRemaining bool) ([]*exchange.MatchReport, error)
}

// RolloverJob runs the daily inventory rollover.
type RolloverJob struct {
	Inventory Roller
	Now       func() time.Time
	Logger    *slog.Logger
}

func (j *RolloverJob) Name() string { return "inventory_rollover" }

func (j *RolloverJob) Run(ctx context.Context) error {
	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now()
	}
	rows, err := j.Inventory.Rollover(ctx, now)
	logger(j.Logger).Info("inventory rollover finished", "rows", len(rows), "failed", err != nil)
	return err
}

// MatchJob runs a matching pass over every active fund.
type MatchJob struct {
	Exchange        Matcher
	HandleRemaining bool
	Logger          *slog.Logger
}

func (j *MatchJob) Name() string { return "match_all" }

func (j *MatchJob) Run(ctx context.Context) error {
	reports, err := j.Exchange.MatchAll(ctx, nil, j.HandleRemaining)
	pairs := 0
	for _, r := range reports {
		pairs += len(r.Pairs)
	}
	logger(j.Logger).Info("scheduled matching finished", "funds", len(reports), "pairs", pairs)
	return err
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
