package main

import (
	"careledger/pkg/health"
	"careledger/pkg/httpapi"
	"careledger/pkg/profiling"
	"careledger/pkg/server"
	"careledger/services/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily scheduler and the ops HTTP endpoints",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveOptions() []fx.Option {
	return append(coreOptions(),
		profiling.Module,
		scheduler.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := serveOptions()
	if err := fx.ValidateApp(opts...); err != nil {
		return err
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
