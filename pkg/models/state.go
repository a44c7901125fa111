package models

import (
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is advancing through its steps.
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused indicates the run is parked, waiting on an escalation or an explicit resume.
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted indicates the run walked past the end of its program.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusError indicates the run halted on a fatal step failure.
	RunStatusError RunStatus = "error"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusPaused, RunStatusCompleted, RunStatusError:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further steps will ever execute for the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// Frame is one level of the workflow call stack. The root frame is stored
// in the top-level WorkflowState fields; nested sub-workflow frames live in
// WorkflowState.CallStack.
type Frame struct {
	// Workflow is the name of the definition executing in this frame.
	Workflow string `json:"workflow"`
	// CurrentStep is the index of the last completed step (-1 before the first).
	CurrentStep int `json:"currentStep"`
	// NextStep overrides CurrentStep+1 when the last completed step jumped.
	NextStep *int `json:"nextStep,omitempty"`
	// CallerStep is the invoke-workflow step index in the parent frame.
	CallerStep int `json:"callerStep"`
	// Variables holds this frame's bindings.
	Variables map[string]any `json:"variables"`
}

// Next returns the index of the step this frame executes next.
func (f *Frame) Next() int {
	if f.NextStep != nil {
		return *f.NextStep
	}
	return f.CurrentStep + 1
}

// PendingEscalation records the decision point a paused run is waiting on.
type PendingEscalation struct {
	// EscalationID identifies the record in the escalation queue.
	EscalationID string `json:"escalationId"`
	// Step is the index of the decision step in the top frame.
	Step int `json:"step"`
	// Output is the variable the human answer is bound to.
	Output string `json:"output,omitempty"`
}

// WorkflowState is the persisted snapshot of one in-flight run.
// The first eight fields form the stable on-disk contract; the rest are
// additive and optional.
type WorkflowState struct {
	RunID        string         `json:"runId"`
	WorkflowName string         `json:"workflowName"`
	CurrentStep  int            `json:"currentStep"`
	Status       RunStatus      `json:"status"`
	Variables    map[string]any `json:"variables"`
	TaskActivity []TaskActivity `json:"taskActivity"`
	StartTime    time.Time      `json:"startTime"`
	LastUpdate   time.Time      `json:"lastUpdate"`

	NextStep       *int               `json:"nextStep,omitempty"`
	CallStack      []Frame            `json:"callStack,omitempty"`
	Pending        *PendingEscalation `json:"pending,omitempty"`
	Error          string             `json:"error,omitempty"`
	StopReason     string             `json:"stopReason,omitempty"`
	StepExecutions int                `json:"stepExecutions,omitempty"`
}

// NewWorkflowState creates the initial state for a run.
func NewWorkflowState(runID, workflow string, vars map[string]any) *WorkflowState {
	now := time.Now().UTC()
	if vars == nil {
		vars = make(map[string]any)
	}
	return &WorkflowState{
		RunID:        runID,
		WorkflowName: workflow,
		CurrentStep:  -1,
		Status:       RunStatusRunning,
		Variables:    vars,
		TaskActivity: []TaskActivity{},
		StartTime:    now,
		LastUpdate:   now,
	}
}

// Frames returns the call stack with the root frame first.
func (s *WorkflowState) Frames() []Frame {
	frames := make([]Frame, 0, 1+len(s.CallStack))
	frames = append(frames, Frame{
		Workflow:    s.WorkflowName,
		CurrentStep: s.CurrentStep,
		NextStep:    s.NextStep,
		CallerStep:  -1,
		Variables:   s.Variables,
	})
	return append(frames, s.CallStack...)
}

// SetFrames writes a call stack back into the snapshot. frames must be non-empty.
func (s *WorkflowState) SetFrames(frames []Frame) {
	root := frames[0]
	s.WorkflowName = root.Workflow
	s.CurrentStep = root.CurrentStep
	s.NextStep = root.NextStep
	s.Variables = root.Variables
	if len(frames) > 1 {
		s.CallStack = append([]Frame(nil), frames[1:]...)
	} else {
		s.CallStack = nil
	}
}

// Clone returns a deep-enough copy for handing state to another goroutine.
// Variable values are shared; the maps and slices are not.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	c.Variables = cloneVars(s.Variables)
	c.TaskActivity = append([]TaskActivity(nil), s.TaskActivity...)
	if s.NextStep != nil {
		n := *s.NextStep
		c.NextStep = &n
	}
	if s.CallStack != nil {
		c.CallStack = make([]Frame, len(s.CallStack))
		for i, f := range s.CallStack {
			f.Variables = cloneVars(f.Variables)
			if f.NextStep != nil {
				n := *f.NextStep
				f.NextStep = &n
			}
			c.CallStack[i] = f
		}
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

func cloneVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
