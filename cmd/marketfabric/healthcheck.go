package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// healthcheckCmd performs a one-shot HTTP GET against a running
// instance's /healthz, for container HEALTHCHECK directives and
// deploy readiness gates. Exit status reflects the probe result:
// a non-2xx response or unreachable server both fail the command.
func healthcheckCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running instance's /healthz endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 3 * time.Second}

			resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
			if err != nil {
				return fmt.Errorf("healthz probe: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			fmt.Println(string(body))

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthz returned status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "host:port of the running instance's stream server")
	return cmd
}
