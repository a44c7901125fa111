package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// AnswerSubmittedMsg is sent when the user submits an answer.
type AnswerSubmittedMsg struct {
	Answer string
	// Suggested is true when the user accepted the model's answer unchanged.
	Suggested bool
}

// InputField is a text input component for typing an answer.
type InputField struct {
	input      textinput.Model
	width      int
	suggestion string
}

// NewInputField creates a new InputField. A non-empty suggestion is shown as
// the placeholder and submitted when Enter is pressed on an empty input.
func NewInputField(suggestion string) *InputField {
	ti := textinput.New()
	ti.Placeholder = "Type an answer and press Enter..."
	if suggestion != "" {
		ti.Placeholder = suggestion + "  (Enter to accept)"
	}
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60

	return &InputField{
		input:      ti,
		width:      80,
		suggestion: suggestion,
	}
}

// SetWidth sets the width of the input field.
func (f *InputField) SetWidth(width int) {
	f.width = width
	f.input.Width = width - 4 // Account for prompt and padding
}

// Value returns the text typed so far.
func (f *InputField) Value() string {
	return f.input.Value()
}

// Update handles messages for the input field.
func (f *InputField) Update(msg tea.Msg) (*InputField, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.Type == tea.KeyEnter {
		text := strings.TrimSpace(f.input.Value())
		suggested := false
		if text == "" {
			text, suggested = f.suggestion, true
		}
		if text == "" {
			return f, nil
		}
		f.input.Reset()
		return f, func() tea.Msg {
			return AnswerSubmittedMsg{Answer: text, Suggested: suggested}
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// View renders the input field.
func (f *InputField) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(f.width - 2)

	prompt := promptStyle.Render("> ")
	return boxStyle.Render(prompt + f.input.View())
}

// Focus sets focus on the input field.
func (f *InputField) Focus() tea.Cmd {
	return f.input.Focus()
}

// Blur removes focus from the input field.
func (f *InputField) Blur() {
	f.input.Blur()
}
