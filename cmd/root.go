package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-remediate/internal/config"
	"github.com/tinkerbelle-io/tb-remediate/internal/logging"
)

var (
	flagConfig     string
	flagLogLevel   string
	flagLogFormat  string
	flagKubeconfig string
	flagContext    string
)

var rootCmd = &cobra.Command{
	Use:   "tb-remediate",
	Short: "Verify-before-apply incident remediation for Kubernetes",
	Long: `tb-remediate detects unhealthy workloads, diagnoses the root cause, proposes
a fix and proves it in an isolated shadow clone of the workload and its
dependencies. Only a fix whose verification recommends APPLY ever reaches
the production resource.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: "+config.DefaultConfigFile+" if present)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagKubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster, then ~/.kube/config)")
	rootCmd.PersistentFlags().StringVar(&flagContext, "context", "", "Kubeconfig context for the production cluster")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-remediate %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, applies the persistent
// flags on top and installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Log.Format = flagLogFormat
	}
	if flagKubeconfig != "" {
		cfg.Cluster.Kubeconfig = flagKubeconfig
	}
	if flagContext != "" {
		cfg.Cluster.Context = flagContext
	}
}
