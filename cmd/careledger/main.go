// Package main runs the careledger service and its maintenance commands.
package main

import (
	"os"

	"careledger/pkg/config"
	"careledger/pkg/db"
	"careledger/pkg/gen"
	"careledger/pkg/keylock"
	"careledger/pkg/logger"
	"careledger/pkg/otelcol"
	"careledger/pkg/redis"
	"careledger/services/bootstrap"
	"careledger/services/budget"
	"careledger/services/caretask"
	"careledger/services/execution"
	"careledger/services/recurrence"

	"github.com/facebookgo/clock"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "careledger",
	Short:        "Recurring care task executions and budget ledger",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runServe,
}

// coreOptions wires the store and the domain services shared by every command.
func coreOptions() []fx.Option {
	return []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		keylock.Module,
		fx.Provide(provideClock),
		bootstrap.Module,
		caretask.Module,
		execution.Module,
		recurrence.Module,
		budget.Module,
		fxLogger,
	}
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg != nil && logger != nil && cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}
	return fxevent.NopLogger
})

func provideClock() clock.Clock {
	return clock.New()
}
