package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show saved runs",
	Long: `Show runs known to the state store.

Without arguments, lists active runs (running or paused). --all includes
completed and failed runs from the archive. With a run id, shows that run's
position, variables, pending escalation and activity log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include archived runs")
}

func showStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		st, err := a.store.Load(ctx, args[0])
		if err != nil {
			return err
		}
		printRunDetail(out, st)
		return nil
	}

	runs, err := a.store.ListActive(ctx)
	if err != nil {
		return err
	}
	if statusAll {
		archived, err := a.store.ListArchived(ctx)
		if err != nil {
			return err
		}
		runs = append(runs, archived...)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return nil
	}
	printRunTable(out, runs)
	return nil
}

func printRunTable(out io.Writer, runs []*models.WorkflowState) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEP\tUPDATED")
	for _, st := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", st.RunID, st.WorkflowName, statusLabel(st), st.CurrentStep, ago(st.LastUpdate))
	}
	tw.Flush()
}

func statusLabel(st *models.WorkflowState) string {
	switch {
	case st.Status == models.RunStatusPaused && st.Pending != nil:
		return "paused (escalation " + st.Pending.EscalationID + ")"
	case st.Status == models.RunStatusPaused && st.StopReason != "":
		return "paused (" + st.StopReason + ")"
	default:
		return string(st.Status)
	}
}

func printRunDetail(out io.Writer, st *models.WorkflowState) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "Run %s\n", st.RunID)
	fmt.Fprintf(out, "  Workflow:  %s\n", st.WorkflowName)
	fmt.Fprintf(out, "  Status:    %s\n", statusLabel(st))
	fmt.Fprintf(out, "  Step:      %d\n", st.CurrentStep)
	if depth := len(st.CallStack); depth > 0 {
		top := st.CallStack[depth-1]
		fmt.Fprintf(out, "  In call:   %s step %d (depth %d)\n", top.Workflow, top.CurrentStep, depth)
	}
	fmt.Fprintf(out, "  Started:   %s\n", st.StartTime.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  Updated:   %s\n", ago(st.LastUpdate))
	if st.Error != "" {
		color.New(color.FgRed).Fprintf(out, "  Error:     %s\n", st.Error)
	}
	if st.Pending != nil {
		fmt.Fprintf(out, "  Waiting:   escalation %s (agentorch escalations show %s)\n", st.Pending.EscalationID, st.Pending.EscalationID)
	}

	tokens, cost := usageOf(st)
	fmt.Fprintf(out, "  Usage:     %d tokens, $%.4f\n", tokens, cost)

	if len(st.Variables) > 0 {
		fmt.Fprintln(out)
		bold.Fprintln(out, "Variables")
		printVariables(out, st)
	}

	if len(st.TaskActivity) > 0 {
		fmt.Fprintln(out)
		bold.Fprintln(out, "Activity")
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, act := range st.TaskActivity {
			note := act.Message
			if act.Error != "" {
				note = act.Error
			}
			fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\t%s\n", act.Workflow, act.Step, act.StepType, act.Status, note)
		}
		tw.Flush()
	}
}
