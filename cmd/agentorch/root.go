package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentorch",
	Short: "Crash-safe orchestrator for LLM-delegated workflows",
	Long: `agentorch executes declarative workflows whose steps are delegated to
LLM backends.

Every step is persisted before the next one starts, so an interrupted run
resumes exactly where it stopped. Questions the decision engine cannot answer
confidently are parked in an escalation queue until a human responds; only
the run that asked waits.

Configuration is read from ~/.config/agentorch/config.yaml, overridden by
.agentorch.yaml in the project and AGENTORCH_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config plus .agentorch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also write component logs to stderr")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration the --config flag selects.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the configuration and wires the components.
func openApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, opts)
}
