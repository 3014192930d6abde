// Command fundctl operates a fund engine deployment from the shell:
// schema migrations, matching runs, the inventory rollover and pricing
// quotes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fundbo/fund-engine/internal/app"
	"github.com/fundbo/fund-engine/internal/config"
)

// root carries state shared by subcommands.
type root struct {
	seedFile string
	cfg      *config.Config
}

// config loads settings once, applying flag overrides.
func (r *root) config() (*config.Config, error) {
	if r.cfg != nil {
		return r.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if r.seedFile != "" {
		cfg.FundSeedFile = r.seedFile
	}
	r.cfg = cfg
	return cfg, nil
}

// open wires the engine against the configured backends.
func (r *root) open(ctx context.Context) (*app.App, error) {
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(cfg.LogLevel))
}

func newRootCmd() *cobra.Command {
	r := &root{}
	cmd := &cobra.Command{
		Use:           "fundctl",
		Short:         "Operate the fund unit matching engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.seedFile, "seed", "", "fund catalogue YAML to load before running (overrides FUND_SEED_FILE)")

	cmd.AddCommand(
		newMigrateCmd(r),
		newMatchCmd(r),
		newRolloverCmd(r),
		newInventoryCmd(r),
		newQuoteCmd(),
	)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
