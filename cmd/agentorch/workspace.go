package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage isolated working copies",
	Long: `Manage the isolated git working copies that workflow steps run in.

Each work unit gets its own copy on a dedicated branch under the workspace
base directory. Copies left behind by a crash are picked up again on the
next command.`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List working copies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openWorkspaces()
		if err != nil {
			return err
		}
		defer a.Close()

		list := a.workspaces.List()
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No workspaces.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "UNIT\tSTATUS\tBRANCH\tPATH")
		for _, ws := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ws.UnitID, ws.Status, ws.Branch, ws.Path)
		}
		return tw.Flush()
	},
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <unit-id>",
	Short: "Create a working copy for a work unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openWorkspaces()
		if err != nil {
			return err
		}
		defer a.Close()

		ws, err := a.workspaces.Create(args[0])
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("%s on branch %s at %s", ws.UnitID, ws.Branch, ws.Path), color.FgGreen)
		return nil
	},
}

var workspaceFinalizeCmd = &cobra.Command{
	Use:   "finalize <unit-id>",
	Short: "Publish a work unit's branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openWorkspaces()
		if err != nil {
			return err
		}
		defer a.Close()

		ws, err := a.workspaces.Finalize(args[0])
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("%s published as %s", ws.UnitID, ws.Branch), color.FgGreen)
		return nil
	},
}

var workspaceDestroyCmd = &cobra.Command{
	Use:   "destroy <unit-id>",
	Short: "Remove a work unit's copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openWorkspaces()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.workspaces.Destroy(args[0]); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", "removed "+args[0], color.FgGreen)
		return nil
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceFinalizeCmd)
	workspaceCmd.AddCommand(workspaceDestroyCmd)
}

// openWorkspaces wires the app and re-attaches copies from earlier processes.
func openWorkspaces() (*app, error) {
	a, err := openApp(appOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := a.workspaces.Recover(); err != nil {
		a.Close()
		return nil, fmt.Errorf("recover workspaces: %w", err)
	}
	return a, nil
}
