package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Execute builds and runs the marketfabric command tree under ctx,
// canceled on SIGINT/SIGTERM by main.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "marketfabric",
		Short: "Real-time market-data aggregation and broadcast fabric",
	}

	root.PersistentFlags().String("config", "configs/config.yaml", "path to the service config file")
	root.PersistentFlags().String("providers", "", "path to the optional per-provider circuit-breaker/rate-limiter config")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(healthcheckCmd())

	log.Info().Msg("marketfabric starting")
	return root.ExecuteContext(ctx)
}
