package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fundbo/fund-engine/internal/app"
	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/pricing"
	"github.com/fundbo/fund-engine/internal/store/migrations"
)

func newMigrateCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.config()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := migrations.Apply(cmd.Context(), cfg.DatabaseURL, app.NewLogger(cfg.LogLevel)); err != nil {
				return err
			}
			names, err := migrations.Names()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%d migration files)\n", len(names))
			return nil
		},
	}
}

func newMatchCmd(r *root) *cobra.Command {
	var (
		fundID          string
		handleRemaining bool
		timePriority    bool
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run matching for one fund, or every active fund",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var tp *bool
			if cmd.Flags().Changed("time-priority") {
				tp = &timePriority
			}
			if fundID != "" {
				report, err := a.Exchange.Match(ctx, exchange.MatchRequest{
					FundID: fundID, UseTimePriority: tp, HandleRemaining: handleRemaining,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			}
			reports, err := a.Exchange.MatchAll(ctx, tp, handleRemaining)
			if perr := printJSON(cmd, reports); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&fundID, "fund", "", "fund id; empty matches every active fund")
	cmd.Flags().BoolVar(&handleRemaining, "handle-remaining", false, "let the market maker absorb leftovers")
	cmd.Flags().BoolVar(&timePriority, "time-priority", false, "break price ties by order age instead of size")
	return cmd
}

func newRolloverCmd(r *root) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Confirm yesterday's inventory and open today's",
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("bad --at: %w", err)
				}
				now = t
			}
			ctx := cmd.Context()
			a, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.Inventory.Rollover(ctx, now)
			if perr := printJSON(cmd, rows); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run as of this RFC 3339 instant instead of now")
	return cmd
}

func newInventoryCmd(r *root) *cobra.Command {
	var fundID, date string
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Show or confirm the market maker's daily inventory",
	}
	cmd.PersistentFlags().StringVar(&fundID, "fund", "", "fund id (required)")
	cmd.PersistentFlags().StringVar(&date, "date", "", "YYYY-MM-DD; defaults to today")

	run := func(confirm bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if fundID == "" {
				return errors.New("--fund is required")
			}
			ctx := cmd.Context()
			a, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			day := a.Inventory.Today()
			if date != "" {
				if day, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("bad --date: %w", err)
				}
			}
			action := a.Inventory.Recalculate
			if confirm {
				action = a.Inventory.Confirm
			}
			inv, err := action(ctx, fundID, day)
			if inv != nil {
				if perr := printJSON(cmd, inv); perr != nil {
					return perr
				}
			}
			return err
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "show", Short: "Recalculate and print a day's row", RunE: run(false)},
		&cobra.Command{Use: "confirm", Short: "Freeze a day's row", RunE: run(true)},
	)
	return cmd
}

func newQuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Pricing calculators",
	}

	var feeAmount string
	fee := &cobra.Command{
		Use:   "fee",
		Short: "Purchase fee for an amount",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, err := decimal.NewFromString(feeAmount)
			if err != nil {
				return fmt.Errorf("bad --amount: %w", err)
			}
			fees := pricing.DefaultFeeSchedule()
			return printJSON(cmd, map[string]decimal.Decimal{
				"amount":       amount,
				"rate_percent": fees.Rate(amount),
				"fee":          fees.Fee(amount),
			})
		},
	}
	fee.Flags().StringVar(&feeAmount, "amount", "", "order amount")

	var amount, rate, units, nav string
	var days int
	sell := &cobra.Command{
		Use:   "sell",
		Short: "Term-product sell quote and rate delta",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vals := make(map[string]decimal.Decimal, 4)
			for name, raw := range map[string]string{"amount": amount, "rate": rate, "units": units, "nav": nav} {
				v, err := decimal.NewFromString(raw)
				if err != nil {
					return fmt.Errorf("bad --%s: %w", name, err)
				}
				vals[name] = v
			}
			q, err := pricing.QuoteSell(vals["amount"], vals["rate"], days, vals["units"], vals["nav"])
			if err != nil {
				return err
			}
			return printJSON(cmd, q)
		},
	}
	sell.Flags().StringVar(&amount, "amount", "", "amount originally invested")
	sell.Flags().StringVar(&rate, "rate", "", "promised interest rate, % per year")
	sell.Flags().IntVar(&days, "days", 0, "holding period in days")
	sell.Flags().StringVar(&units, "units", "", "units held")
	sell.Flags().StringVar(&nav, "nav", "", "NAV at purchase")

	cmd.AddCommand(fee, sell)
	return cmd
}
