package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(12)

	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
)

// ConfidenceColor returns the color used for a confidence score.
func ConfidenceColor(confidence float64) lipgloss.Color {
	switch {
	case confidence >= 0.75:
		return lipgloss.Color("82") // green
	case confidence >= 0.5:
		return lipgloss.Color("214") // orange
	default:
		return lipgloss.Color("196") // red
	}
}

// RenderEscalation renders esc as a bordered card of the given width.
func RenderEscalation(esc *models.Escalation, width int) string {
	if width < 40 {
		width = 40
	}
	inner := width - 4

	rows := []string{
		row("Escalation", esc.ID+dimStyle.Render("  ("+string(esc.Status)+")")),
		row("Run", fmt.Sprintf("%s  step %d", runLabel(esc), esc.Step)),
		"",
		questionStyle.Width(inner).Render(esc.Question),
		"",
	}

	if esc.AIAnswer != "" {
		conf := lipgloss.NewStyle().
			Foreground(ConfidenceColor(esc.AIConfidence)).
			Render(fmt.Sprintf("%.0f%%", esc.AIConfidence*100))
		rows = append(rows, row("Suggested", esc.AIAnswer+"  "+conf))
	}
	if esc.Reasoning != "" {
		rows = append(rows, row("Reasoning", wrap(esc.Reasoning, inner-12)))
	}
	if ctx := strings.TrimSpace(esc.Context); ctx != "" {
		rows = append(rows, row("Context", wrap(truncate(ctx, 600), inner-12)))
	}
	if esc.Response != "" {
		rows = append(rows, row("Answer", esc.Response))
	}

	return cardStyle.Width(width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func runLabel(esc *models.Escalation) string {
	if esc.Workflow == "" {
		return esc.RunID
	}
	return esc.RunID + " (" + esc.Workflow + ")"
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func wrap(s string, width int) string {
	if width < 10 {
		width = 10
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
