package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-remediate/internal/app"
	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

var (
	flagSignal           string
	flagRemediateTimeout time.Duration
	flagRemediateOutput  string
)

var remediateCmd = &cobra.Command{
	Use:   "remediate Kind/namespace/name",
	Short: "Run one incident to completion and print it",
	Long: `Open a single incident for the named workload and wait for it to finish.

The fix is verified in a shadow environment first; production is only
touched when verification recommends APPLY. The command exits non-zero
unless the incident ends APPLIED.`,
	Example: `  tb-remediate remediate Deployment/demo/demo-api
  tb-remediate remediate sts/data/db --signal unready -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRemediate,
}

func init() {
	remediateCmd.Flags().StringVar(&flagSignal, "signal", "manual", "Detection signal recorded on the incident")
	remediateCmd.Flags().DurationVar(&flagRemediateTimeout, "timeout", 10*time.Minute, "Give up waiting after this long")
	remediateCmd.Flags().StringVarP(&flagRemediateOutput, "output", "o", "summary", "Output format: summary, json, yaml")
	rootCmd.AddCommand(remediateCmd)
}

func runRemediate(cmd *cobra.Command, args []string) error {
	ref, err := domain.ParseResourceRef(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	waitCtx, cancel := context.WithTimeout(ctx, flagRemediateTimeout)
	defer cancel()
	inc, err := a.Engine.Process(waitCtx, ref, flagSignal)

	// Shutdown lets an interrupted incident record its failure state.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Shadow.TeardownTimeout+10*time.Second)
	defer cancelShutdown()
	_ = a.Engine.Shutdown(shutdownCtx)
	if inc != nil {
		if latest, gerr := a.Engine.Get(shutdownCtx, inc.ID); gerr == nil {
			inc = latest
		}
	}
	if inc == nil {
		return err
	}

	if perr := printIncident(cmd.OutOrStdout(), flagRemediateOutput, inc); perr != nil {
		return perr
	}
	if inc.State != domain.StateApplied {
		return fmt.Errorf("incident %s ended %s", inc.ID, inc.State)
	}
	return nil
}
