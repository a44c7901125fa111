package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/workflow"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// parseVars turns repeated --var key=value flags into run variables. Values
// are decoded as YAML scalars or flow collections, so count=3 binds a number
// and tags=[a,b] binds a list; anything that does not decode stays a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

// resolveWorkflow returns the registered workflow name for arg. An argument
// naming a definition file loads that file into the registry first.
func resolveWorkflow(reg *workflow.Registry, arg string) (string, error) {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".yaml", ".yml", ".json":
	default:
		return arg, nil
	}
	if _, err := os.Stat(arg); err != nil {
		return "", fmt.Errorf("workflow file: %w", err)
	}
	def, err := workflow.LoadFile(arg)
	if err != nil {
		return "", err
	}
	if existing, err := reg.Get(def.Name); err == nil {
		if existing.Source() != def.Source() {
			return "", fmt.Errorf("%w: %s is already defined by %s", workflow.ErrDuplicateWorkflow, def.Name, existing.Source())
		}
		return def.Name, nil
	}
	if err := reg.Add(def); err != nil {
		return "", err
	}
	if err := reg.Validate(); err != nil {
		return "", err
	}
	return def.Name, nil
}

// printEvents writes one line per progress event until ctx is done.
func printEvents(ctx context.Context, w io.Writer, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			printEvent(w, ev)
		}
	}
}

func printEvent(w io.Writer, ev events.Event) {
	switch ev.Type {
	case events.StepCompleted:
		printStatus(w, "  ✓", fmt.Sprintf("%s step %d (%s)", ev.Workflow, ev.Step, ev.StepType), color.FgGreen)
	case events.StepOutput:
		fmt.Fprint(w, color.New(color.Faint).Sprint(ev.Message))
	case events.StepRetried:
		printStatus(w, "  ↻", fmt.Sprintf("%s step %d retrying: %s", ev.Workflow, ev.Step, ev.Error), color.FgYellow)
	case events.RunResumed:
		printStatus(w, "▶", fmt.Sprintf("run %s resumed", ev.RunID), color.FgCyan)
	}
}

// printResult summarises how a run's execution ended and what to do next.
func printResult(w io.Writer, res *workflow.Result) {
	st := res.State
	switch res.Status {
	case models.RunStatusCompleted:
		printStatus(w, "✓", fmt.Sprintf("run %s completed", res.RunID), color.FgGreen)
		printVariables(w, st)
	case models.RunStatusPaused:
		if res.EscalationID != "" {
			printStatus(w, "⏸", fmt.Sprintf("run %s is waiting on escalation %s", res.RunID, res.EscalationID), color.FgYellow)
			fmt.Fprintf(w, "  answer with: agentorch escalations respond %s <answer>\n", res.EscalationID)
			return
		}
		reason := "stopped"
		if st != nil && st.StopReason != "" {
			reason = st.StopReason
		}
		printStatus(w, "⏸", fmt.Sprintf("run %s parked (%s)", res.RunID, reason), color.FgYellow)
		fmt.Fprintf(w, "  continue with: agentorch resume %s\n", res.RunID)
	default:
		printStatus(w, "✗", fmt.Sprintf("run %s failed: %v", res.RunID, res.Err), color.FgRed)
	}
}

// printVariables writes the run's root variables as YAML.
func printVariables(w io.Writer, st *models.WorkflowState) {
	if st == nil || len(st.Variables) == 0 {
		return
	}
	out, err := yaml.Marshal(st.Variables)
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

// usageOf totals token usage and cost over a run's activity.
func usageOf(st *models.WorkflowState) (tokens int64, cost float64) {
	for _, act := range st.TaskActivity {
		tokens += act.InputTokens + act.OutputTokens
		cost += act.Cost
	}
	return tokens, cost
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
