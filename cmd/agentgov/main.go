// Package main is the entry point for the agentgov binary.
// It serves the governance layer and provides operator commands for one-shot
// executions and compliance reports.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/agentgov/pkg/config"
	"github.com/polisai/agentgov/pkg/logging"
)

const serviceName = "agentgov"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentgov",
		Short: "Execution governance and resilience layer for agents",
		Long: `agentgov routes every agent and capability call through a tracked,
audited path, degrades gracefully when data providers fail and persists
execution provenance.

Examples:
  agentgov serve --config agentgov.yaml
  agentgov exec --agent market_data symbol=AAPL
  agentgov compliance --addr http://localhost:19090`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newExecCmd(), newComplianceCmd())
	return rootCmd
}

// loadConfig reads the --config file (defaults when empty) and applies the
// --log-level override.
func loadConfig(cmd *cobra.Command) (string, *config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return "", nil, err
		}
	}
	return path, cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.NewLogger(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  os.Stderr,
		Service: serviceName,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}
