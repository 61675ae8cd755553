// stressd watches a developer's typing and compiler activity and offers
// help when the rhythm looks like stress.
//
//	stressd run                 Monitor events from the host editor on stdin
//	stressd stats               Show history totals
//	stressd sessions            List recorded sessions
//	stressd interventions       List recorded interventions
//	stressd export              Dump the history as JSON
//	stressd baseline show|reset Inspect or clear the typing baseline
//	stressd config init|show|validate|path
//	stressd version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stressd/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	envFiles   []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "stressd",
		Short:        "Stress detection for C and C++ programming sessions",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			config.LoadDotEnv(envFiles...)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: searched, then "+config.ConfigPath()+")")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files seeding STRESSD_* variables (default: .env)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newInterventionsCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newBaselineCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// resolveConfigPath returns the --config value, a discovered config file,
// or the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "stressd %s (config schema v%d)\n", version, config.Version)
			return err
		},
	}
}
