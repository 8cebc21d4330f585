package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/woosul/marketfabric/internal/config"
	"github.com/woosul/marketfabric/internal/service"
)

// statusCmd builds the Service from config without running it, then
// dumps the freshly constructed Cache Store — a local wiring check:
// it fails fast on a bad config or adapter setup before a deploy
// bothers starting the daemon. It does not talk to a running process;
// see healthcheckCmd for that.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate config/adapter wiring and dump the empty Cache Store shape",
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

			out, err := json.MarshalIndent(struct {
				ConfigOK bool                   `json:"config_ok"`
				Records  []interface{}          `json:"records"`
				Settings map[string]interface{} `json:"settings"`
			}{
				ConfigOK: true,
				Records:  toInterfaceSlice(svc.Store().Snapshot()),
				Settings: map[string]interface{}{
					"general_update_interval":   settings.GeneralUpdateInterval().String(),
					"dashboard_refresh_interval": settings.DashboardRefreshInterval().String(),
					"websocket_enabled":          settings.WebsocketEnabled(),
				},
			}, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal status: %w", err)
			}

			fmt.Println(string(out))
			return nil
		},
	}
}

func toInterfaceSlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
