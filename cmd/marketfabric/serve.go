package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/service"
)

// serveCmd runs the aggregation/broadcast daemon until its context is
// canceled: both Collector Loops, the Dispatcher, and the Stream
// Server all run as goroutines under one Service (Design Notes §9).
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collector loops, dispatcher, and websocket stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			providersPath, _ := cmd.Flags().GetString("providers")

			fileCfg, err := config.LoadFileConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var providersCfg *config.ProvidersConfig
			if providersPath != "" {
				providersCfg, err = config.LoadProvidersConfig(providersPath)
				if err != nil {
					return fmt.Errorf("load providers config: %w", err)
				}
			}

			settings := config.NewMemorySettings(fileCfg)

			svc, err := service.New(fileCfg, providersCfg, settings, log.Logger)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}

			log.Info().Str("config", configPath).Msg("serving")
			return svc.Run(cmd.Context())
		},
	}
}
