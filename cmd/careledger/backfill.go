package main

import (
	"context"
	"encoding/json"
	"time"

	"careledger/services/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var backfillTimeout time.Duration

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run one scheduler pass over every active task and exit",
	Args:  cobra.NoArgs,
	RunE:  runBackfill,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger tables and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	backfillCmd.Flags().DurationVar(&backfillTimeout, "timeout", 10*time.Minute, "abort the pass after this long")
	rootCmd.AddCommand(backfillCmd, migrateCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	var s *scheduler.Scheduler
	app := fx.New(append(coreOptions(),
		fx.Provide(scheduler.NewScheduler),
		fx.Populate(&s),
	)...)

	return runOnce(cmd.Context(), app, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, backfillTimeout)
		defer cancel()

		report := s.RunOnce(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// bootstrap migrates in its start hook
	app := fx.New(coreOptions()...)
	return runOnce(cmd.Context(), app, func(context.Context) error { return nil })
}

func runOnce(ctx context.Context, app *fx.App, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
