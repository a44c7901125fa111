package tui

import (
	"errors"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// ErrCancelled is returned by PromptAnswer when the user leaves without answering.
var ErrCancelled = errors.New("answer cancelled")

// AnswerPrompt is the bubbletea model for answering one escalation.
type AnswerPrompt struct {
	esc   *models.Escalation
	field *InputField
	width int

	answer    string
	suggested bool
	done      bool
	cancelled bool
}

// NewAnswerPrompt creates a prompt for esc.
func NewAnswerPrompt(esc *models.Escalation) *AnswerPrompt {
	return &AnswerPrompt{
		esc:   esc,
		field: NewInputField(esc.AIAnswer),
		width: 80,
	}
}

// Init implements tea.Model.
func (p *AnswerPrompt) Init() tea.Cmd {
	return p.field.Focus()
}

// Update implements tea.Model.
func (p *AnswerPrompt) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.width = msg.Width
		p.field.SetWidth(msg.Width)
		return p, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEsc, tea.KeyCtrlC:
			p.cancelled = true
			return p, tea.Quit
		}

	case AnswerSubmittedMsg:
		p.answer = msg.Answer
		p.suggested = msg.Suggested
		p.done = true
		return p, tea.Quit
	}

	var cmd tea.Cmd
	p.field, cmd = p.field.Update(msg)
	return p, cmd
}

// View implements tea.Model.
func (p *AnswerPrompt) View() string {
	if p.done || p.cancelled {
		return ""
	}
	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("enter: submit  esc: cancel")
	return lipgloss.JoinVertical(lipgloss.Left,
		RenderEscalation(p.esc, p.width),
		p.field.View(),
		help,
	) + "\n"
}

// Answer returns the submitted answer. ok is false until the user submits.
func (p *AnswerPrompt) Answer() (answer string, ok bool) {
	return p.answer, p.done
}

// Suggested reports whether the submitted answer is the model's suggestion.
func (p *AnswerPrompt) Suggested() bool {
	return p.suggested
}

// PromptAnswer runs an interactive prompt for esc on in/out and returns the answer.
func PromptAnswer(esc *models.Escalation, in io.Reader, out io.Writer) (string, error) {
	prompt := NewAnswerPrompt(esc)
	program := tea.NewProgram(prompt, tea.WithInput(in), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		return "", fmt.Errorf("run answer prompt: %w", err)
	}
	answer, ok := final.(*AnswerPrompt).Answer()
	if !ok {
		return "", ErrCancelled
	}
	return answer, nil
}
