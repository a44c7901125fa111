// Package workflow parses declarative workflow definitions and executes them
// step by step, checkpointing every step through the state store.
package workflow

import (
	"time"
)

// StepType identifies the kind of step in a workflow.
type StepType string

const (
	StepAction      StepType = "action"
	StepConditional StepType = "conditional"
	StepGoto        StepType = "goto"
	StepInvoke      StepType = "invoke-workflow"
	StepCheckpoint  StepType = "checkpoint"
	StepDecision    StepType = "decision"
)

// Output formats of an action step.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Built-in variables available to every template and expression.
const (
	VarRunID    = "run_id"
	VarWorkflow = "workflow"
)

// Definition is a parsed, validated workflow. It is immutable after parsing.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Steps       []Step         `json:"steps"`

	source  string
	invokes []string
}

// Source returns the file the definition was loaded from, if any.
func (d *Definition) Source() string { return d.source }

// Invokes returns the names of sub-workflows this definition calls.
func (d *Definition) Invokes() []string {
	return append([]string(nil), d.invokes...)
}

// Step is one positionally indexed node of a workflow program. Which fields
// apply depends on Type.
type Step struct {
	Type StepType `json:"type"`
	Name string   `json:"name,omitempty"`

	// action
	Prompt    string `json:"prompt,omitempty"`
	System    string `json:"system,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Format    string `json:"format,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	// Stream publishes the response as it arrives, one step_output event per chunk.
	Stream    bool   `json:"stream,omitempty"`

	// conditional
	If   string `json:"if,omitempty"`
	Then *int   `json:"then,omitempty"`
	Else *int   `json:"else,omitempty"`

	// goto
	Target *int `json:"target,omitempty"`

	// invoke-workflow
	Workflow string            `json:"workflow,omitempty"`
	With     map[string]string `json:"with,omitempty"`

	// checkpoint
	Label string `json:"label,omitempty"`

	// decision
	Question string `json:"question,omitempty"`
	Context  string `json:"context,omitempty"`

	// Output names the variable the step's result is bound to
	// (action, invoke-workflow, decision).
	Output string `json:"output,omitempty"`

	// Params carries fields for step types registered outside this package.
	Params map[string]any `json:"params,omitempty"`

	timeout time.Duration
	cond    *Expr
}

// TimeoutDuration returns the parsed per-invocation timeout, zero if unset.
func (s *Step) TimeoutDuration() time.Duration { return s.timeout }

// describe returns a short name for log lines.
func (s *Step) describe() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Type)
}
