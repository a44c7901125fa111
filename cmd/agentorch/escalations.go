package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/tui"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	escalationsStatus string
	respondPrompt     bool
	respondInbox      bool
	respondDetach     bool
)

var escalationsCmd = &cobra.Command{
	Use:     "escalations",
	Aliases: []string{"esc"},
	Short:   "List and answer escalated decisions",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	Args:  cobra.NoArgs,
	RunE:  listEscalations,
}

var escalationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  showEscalation,
}

var escalationsRespondCmd = &cobra.Command{
	Use:   "respond <id> [answer]",
	Short: "Answer an escalation and resume its run",
	Long: `Answer a pending escalation.

The answer is recorded and the run that asked resumes with it bound to the
decision's output. By default the resumed run executes in the foreground.

  --prompt   Show the question and read the answer interactively.
  --inbox    Hand the answer to a running 'agentorch serve' instead of
             resuming the run in this process.
  --detach   Record the answer without resuming; 'agentorch resume'
             continues the run later.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: respondEscalation,
}

func init() {
	escalationsListCmd.Flags().StringVar(&escalationsStatus, "status", "pending", "Filter by status: pending, responded, resolved or all")
	escalationsRespondCmd.Flags().BoolVarP(&respondPrompt, "prompt", "p", false, "Read the answer interactively")
	escalationsRespondCmd.Flags().BoolVar(&respondInbox, "inbox", false, "Deliver the answer to a running server")
	escalationsRespondCmd.Flags().BoolVar(&respondDetach, "detach", false, "Record the answer without resuming the run")

	escalationsCmd.AddCommand(escalationsListCmd)
	escalationsCmd.AddCommand(escalationsShowCmd)
	escalationsCmd.AddCommand(escalationsRespondCmd)
}

func parseEscalationStatus(s string) (models.EscalationStatus, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return "", nil
	case string(models.EscalationPending), string(models.EscalationResponded), string(models.EscalationResolved):
		return models.EscalationStatus(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("invalid status %q: use pending, responded, resolved or all", s)
	}
}

func listEscalations(cmd *cobra.Command, _ []string) error {
	status, err := parseEscalationStatus(escalationsStatus)
	if err != nil {
		return err
	}
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.queue.List(escalation.Filter{Status: status})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No escalations.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tSTATUS\tCONFIDENCE\tCREATED\tQUESTION")
	for _, esc := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n", esc.ID, esc.RunID, esc.Status, esc.AIConfidence, ago(esc.CreatedAt), firstLine(esc.Question, 60))
	}
	return tw.Flush()
}

func showEscalation(cmd *cobra.Command, args []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	esc, err := a.queue.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderEscalation(esc, 80))
	return nil
}

func respondEscalation(cmd *cobra.Command, args []string) error {
	if respondInbox && respondDetach {
		return errors.New("--inbox and --detach cannot be combined")
	}
	progress := make(events.ChanSink, 64)
	a, err := openApp(appOptions{sinks: []events.Sink{progress}})
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	esc, err := a.queue.Get(id)
	if err != nil {
		return err
	}
	if esc.Status != models.EscalationPending {
		return fmt.Errorf("%w: %s is %s", escalation.ErrNotPending, id, esc.Status)
	}

	out := cmd.OutOrStdout()
	var answer string
	switch {
	case len(args) == 2:
		answer = args[1]
	case respondPrompt:
		answer, err = tui.PromptAnswer(esc, os.Stdin, out)
		if err != nil {
			return err
		}
	default:
		return errors.New("an answer is required (pass it as an argument or use --prompt)")
	}

	if respondInbox {
		if err := escalation.WriteAnswer(escalation.InboxDir(a.queue.Dir()), id, answer); err != nil {
			return err
		}
		printStatus(out, "✓", fmt.Sprintf("answer for %s handed to the server", id), color.FgGreen)
		return nil
	}

	if respondDetach {
		a.queue.SetController(nil)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := a.queue.Respond(ctx, id, answer); err != nil {
		return err
	}
	printStatus(out, "✓", fmt.Sprintf("answered %s", id), color.FgGreen)
	if respondDetach {
		fmt.Fprintf(out, "  continue with: agentorch resume %s\n", esc.RunID)
		return nil
	}
	return followRun(ctx, out, a, progress, esc.RunID, false)
}

func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
