package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
)

var (
	resumeFiles       []string
	resumeDryRun      bool
	resumeInteractive bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a parked or interrupted run",
	Long: `Continue a run from its last saved step.

A run paused on an escalation resumes only after the escalation has been
answered; the answer is bound to the decision's output before the run
continues. Runs that completed or failed cannot be resumed.

If the run was started from a definition file outside the workflows
directory, pass it again with --file.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeRun,
}

func init() {
	resumeCmd.Flags().StringArrayVarP(&resumeFiles, "file", "f", nil, "Additional workflow definition file")
	resumeCmd.Flags().BoolVar(&resumeDryRun, "dry-run", false, "Use the local echo provider instead of a model backend")
	resumeCmd.Flags().BoolVarP(&resumeInteractive, "interactive", "i", false, "Answer escalations in the terminal as they arrive")
}

func resumeRun(cmd *cobra.Command, args []string) error {
	progress := make(events.ChanSink, 64)
	a, err := openApp(appOptions{dryRun: resumeDryRun, sinks: []events.Sink{progress}})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, f := range resumeFiles {
		if _, err := resolveWorkflow(a.registry, f); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := args[0]
	if err := a.orch.Resume(ctx, runID); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printStatus(out, "▶", fmt.Sprintf("resuming run %s", runID), color.FgCyan)
	return followRun(ctx, out, a, progress, runID, resumeInteractive)
}
