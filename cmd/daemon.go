package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-remediate/internal/app"
)

var flagListen string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run detection, remediation and the query API until interrupted",
	Long: `Run tb-remediate as a long-lived controller.

The daemon:
  1. Closes incidents a previous run left unfinished
  2. Scans non-excluded namespaces on an interval and opens incidents
  3. Drives each incident through diagnosis, shadow verification and the gate
  4. Sweeps expired and orphaned shadow namespaces
  5. Serves the read-only incident API and /metrics

SIGINT or SIGTERM cancels in-flight incidents; their shadow environments are
torn down and their failure recorded before the process exits.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (overrides http.address)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.HTTP.Address = flagListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := app.NewClients(cfg.Cluster)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg, clients)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
