package models

import "time"

// ActivityStatus describes how a task invocation ended.
type ActivityStatus string

const (
	// ActivitySucceeded indicates the invocation returned a usable result.
	ActivitySucceeded ActivityStatus = "succeeded"
	// ActivityFailed indicates the invocation failed and the step failed with it.
	ActivityFailed ActivityStatus = "failed"
	// ActivityRetried indicates the invocation failed and was retried.
	ActivityRetried ActivityStatus = "retried"
	// ActivityRecovered indicates a handled failure the run continued past.
	ActivityRecovered ActivityStatus = "recovered"
	// ActivityDiscarded indicates the run was stopped while the invocation was in flight.
	ActivityDiscarded ActivityStatus = "discarded"
	// ActivityInfo marks bookkeeping entries such as checkpoints and decisions.
	ActivityInfo ActivityStatus = "info"
)

// TaskActivity is one entry in a run's activity log.
type TaskActivity struct {
	// TaskID is the pool task that served the invocation, if any.
	TaskID string `json:"taskId,omitempty"`
	// Workflow is the definition the step belongs to.
	Workflow string `json:"workflow"`
	// Step is the step index within Workflow.
	Step int `json:"step"`
	// StepType is the tag of the step.
	StepType string `json:"stepType"`
	// Attempt is the 1-indexed attempt number for retried steps.
	Attempt int `json:"attempt,omitempty"`
	// Provider and Model identify the backend the task was bound to.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// Status is how the invocation ended.
	Status ActivityStatus `json:"status"`
	// Message is a short human-readable note.
	Message string `json:"message,omitempty"`
	// Error holds the failure text for failed entries.
	Error string `json:"error,omitempty"`
	// InputTokens and OutputTokens are the usage reported by the provider.
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	// Cost is the estimated USD cost.
	Cost float64 `json:"cost,omitempty"`
	// StartedAt and FinishedAt bound the invocation.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
