// Package events fans run lifecycle events out to log, NATS and in-process sinks.
package events

import (
	"time"
)

// Type represents the type of run event.
type Type string

const (
	// RunStarted indicates a run has been created.
	RunStarted Type = "run_started"
	// RunResumed indicates a saved run continued execution.
	RunResumed Type = "run_resumed"
	// StepCompleted indicates one step finished and its state was saved.
	StepCompleted Type = "step_completed"
	// StepOutput carries a piece of a streaming action's response in Message.
	StepOutput Type = "step_output"
	// StepRetried indicates a step attempt failed and will be retried.
	StepRetried Type = "step_retried"
	// RunPaused indicates a run parked, waiting on an escalation or a resume.
	RunPaused Type = "run_paused"
	// RunCompleted indicates a run walked past its last step.
	RunCompleted Type = "run_completed"
	// RunFailed indicates a run halted on a fatal step failure.
	RunFailed Type = "run_failed"
)

// Event describes something that happened to one run.
type Event struct {
	Type     Type   `json:"type"`
	RunID    string `json:"runId"`
	Workflow string `json:"workflow,omitempty"`
	// Step is the step index in Workflow, or -1 when the event is not about a step.
	Step     int    `json:"step"`
	StepType string `json:"stepType,omitempty"`
	// EscalationID is set on pauses caused by an escalation.
	EscalationID string    `json:"escalationId,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher accepts events. The workflow engine depends on this interface only.
type Publisher interface {
	Emit(event Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Publisher.
func (Discard) Emit(Event) {}
