package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `View agentorch configuration.

Configuration is stored at ~/.config/agentorch/config.yaml
Project-specific overrides can be placed in .agentorch.yaml
Environment variables named AGENTORCH_<SECTION>_<KEY> override both.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		settings := cfg.Settings()
		for _, key := range sortedKeys(settings) {
			fmt.Fprintf(out, "%s: %v\n", key, settings[key])
		}
		fmt.Fprintf(out, "# api key source: %s\n", config.GetAPIKeySource(cfg))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config files in use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(out, "project: %s\n", project)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default user config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := config.GetUserConfigPath()
		if configPath != "" {
			path = configPath
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "wrote "+path, color.FgGreen)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}
