package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/tui"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	runVars        []string
	runDryRun      bool
	runInteractive bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow|file>",
	Short: "Start a workflow run",
	Long: `Start a new run of a registered workflow, or of a definition file.

The run executes in the foreground and prints one line per step. Interrupting
it (Ctrl+C) parks the run at the next step boundary; continue it later with
'agentorch resume <run-id>'.

When the decision engine escalates a question the run pauses. With
--interactive the question is shown immediately and the run continues once
you answer; otherwise answer it with 'agentorch escalations respond'.

Variables:
  --var name=value   Bind a root variable (repeatable). Values are parsed as
                     YAML, so --var count=3 binds a number.

Use --dry-run to answer every action and decision with the local echo
provider instead of a model backend.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Bind a root variable as name=value")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use the local echo provider instead of a model backend")
	runCmd.Flags().BoolVarP(&runInteractive, "interactive", "i", false, "Answer escalations in the terminal as they arrive")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	progress := make(events.ChanSink, 64)
	a, err := openApp(appOptions{dryRun: runDryRun, sinks: []events.Sink{progress}})
	if err != nil {
		return err
	}
	defer a.Close()

	name, err := resolveWorkflow(a.registry, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := a.orch.Start(ctx, name, vars)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printStatus(out, "▶", fmt.Sprintf("run %s started (%s)", runID, name), color.FgCyan)

	return followRun(ctx, out, a, progress, runID, runInteractive)
}

// followRun prints progress for runID until its execution ends. An interrupt
// on ctx parks the run. In interactive mode escalations are answered in the
// terminal and the run is followed through its resumption.
func followRun(ctx context.Context, out io.Writer, a *app, progress <-chan events.Event, runID string, interactive bool) error {
	printCtx, stopPrinting := context.WithCancel(context.Background())
	defer stopPrinting()
	go printEvents(printCtx, out, progress)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			if err := a.orch.Cancel(runID, "interrupted"); err == nil {
				printStatus(out, "⏸", "interrupt received, parking run at the next step boundary", color.FgYellow)
			}
		}
	}()

	for {
		res, err := a.orch.Wait(context.Background(), runID)
		if err != nil {
			return err
		}

		if res.Status == models.RunStatusPaused && res.EscalationID != "" && interactive && ctx.Err() == nil {
			answered, err := answerInteractively(ctx, out, a, res.EscalationID)
			if err != nil {
				return err
			}
			if answered {
				continue
			}
		}

		stopPrinting()
		printResult(out, res)
		if res.Status == models.RunStatusError {
			return fmt.Errorf("run %s failed: %w", runID, res.Err)
		}
		return nil
	}
}

// answerInteractively prompts for the answer to escalation id and records it,
// which resumes the run. It reports false when the prompt was dismissed.
func answerInteractively(ctx context.Context, out io.Writer, a *app, id string) (bool, error) {
	esc, err := a.queue.Get(id)
	if err != nil {
		return false, err
	}
	answer, err := tui.PromptAnswer(esc, os.Stdin, out)
	if errors.Is(err, tui.ErrCancelled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := a.queue.Respond(ctx, id, answer); err != nil {
		return false, err
	}
	printStatus(out, "✓", fmt.Sprintf("answered %s: %s", id, answer), color.FgGreen)
	return true, nil
}
