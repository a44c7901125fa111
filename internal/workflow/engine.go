package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/decision"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// DefaultMaxStepExecutions bounds the steps one run may execute, so a goto
// loop cannot spin forever.
const DefaultMaxStepExecutions = 10000

var (
	// ErrRunFinished is returned when resuming a completed or failed run.
	ErrRunFinished = errors.New("run already finished")
	// ErrAwaitingAnswer is returned by Resume for a run parked on an escalation.
	ErrAwaitingAnswer = errors.New("run is waiting on an escalation")
	// ErrEscalationMismatch is returned when an answer does not belong to the
	// escalation the run is waiting on.
	ErrEscalationMismatch = errors.New("escalation does not match the pending decision")
	// ErrStepLimit is returned when a run exceeds MaxStepExecutions.
	ErrStepLimit = errors.New("step execution limit exceeded")
	// ErrCycle is returned when a workflow invokes one already on the call stack.
	ErrCycle = errors.New("sub-workflow cycle")

	// errInterrupted unwinds a step that was stopped before it produced a result.
	errInterrupted = errors.New("step interrupted")
)

// Executor runs delegated tasks with bounded concurrency. *pool.Pool satisfies it.
type Executor interface {
	Acquire(ctx context.Context, spec pool.TaskSpec) (*pool.Task, error)
	Invoke(ctx context.Context, task *pool.Task, req provider.Request) (*provider.Response, error)
	InvokeStream(ctx context.Context, task *pool.Task, req provider.Request, onChunk func(string)) (*provider.Response, error)
	Release(task *pool.Task)
}

// Decider answers decision steps. *decision.Engine satisfies it.
type Decider interface {
	Decide(ctx context.Context, q decision.Question) (*decision.Outcome, error)
}

// Workspaces hands action steps an isolated working copy. *workspace.Manager satisfies it.
type Workspaces interface {
	Create(unitID string) (*models.Workspace, error)
	Get(unitID string) (*models.Workspace, error)
	Finalize(unitID string) (*models.Workspace, error)
	Reopen(unitID string) (*models.Workspace, error)
	Abandon(unitID string) error
}

// Store is the subset of the state store the engine writes through.
type Store interface {
	Save(ctx context.Context, st *models.WorkflowState) error
	Archive(ctx context.Context, runID string) error
	Lock(runID string) (*state.Lease, error)
}

// Deps is everything the engine talks to. Registry, Store and Executor are
// required; the rest are optional.
type Deps struct {
	Registry   *Registry
	Store      Store
	Executor   Executor
	Decider    Decider
	Workspaces Workspaces
	Policy     *retry.Policy
	Events     events.Publisher
	Metrics    metrics.RunMetrics
}

// Config tunes the engine.
type Config struct {
	// MaxStepExecutions bounds executed steps per run, counting across resumes.
	MaxStepExecutions int
	// DefaultProvider and DefaultModel apply to action steps that name none.
	DefaultProvider string
	DefaultModel    string
}

// Result is where a run stopped.
type Result struct {
	RunID  string
	Status models.RunStatus
	// EscalationID is set when the run paused on a low-confidence decision.
	EscalationID string
	// State is a copy of the last persisted snapshot.
	State *models.WorkflowState
	// Err is the failure that moved the run to error, if any.
	Err error
}

// Handler executes one step. It may return a partial result alongside an
// error so that failed attempts still reach the activity log.
type Handler func(ctx context.Context, sc *StepContext) (*StepResult, error)

// StepContext is what a handler sees of the run.
type StepContext struct {
	RunID string
	Def   *Definition
	Index int
	Step  *Step
	// Depth is the call stack depth, 0 for the root workflow.
	Depth int

	frame *models.Frame
}

// Vars returns the frame's bindings plus the built-in variables.
func (sc *StepContext) Vars() map[string]any {
	vars := make(map[string]any, len(sc.frame.Variables)+2)
	for k, v := range sc.frame.Variables {
		vars[k] = v
	}
	vars[VarRunID] = sc.RunID
	vars[VarWorkflow] = sc.Def.Name
	return vars
}

// Render substitutes the frame's bindings into tmpl.
func (sc *StepContext) Render(tmpl string) (string, error) {
	return Render(tmpl, sc.Vars())
}

func (sc *StepContext) activity(status models.ActivityStatus, msg string) models.TaskActivity {
	now := time.Now().UTC()
	return models.TaskActivity{
		Workflow:   sc.Def.Name,
		Step:       sc.Index,
		StepType:   string(sc.Step.Type),
		Status:     status,
		Message:    msg,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// StepResult tells the engine how to advance.
type StepResult struct {
	// Next jumps to a step index instead of falling through.
	Next *int
	// Bind sets variables in the current frame.
	Bind map[string]any
	// Push enters a sub-workflow.
	Push *models.Frame
	// Pending parks the run on an escalation.
	Pending *models.PendingEscalation
	// Activity is appended to the run's activity log.
	Activity []models.TaskActivity
}

// Engine executes workflow definitions one step at a time, saving state after
// every step. Runs are independent; the engine is safe for concurrent use.
type Engine struct {
	deps Deps
	cfg  Config

	mu       sync.RWMutex
	handlers map[StepType]Handler

	stopMu sync.Mutex
	stops  map[string]string
}

// New creates an engine with handlers for the built-in step types.
func New(deps Deps, cfg Config) *Engine {
	if deps.Policy == nil {
		deps.Policy = retry.DefaultPolicy()
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if cfg.MaxStepExecutions <= 0 {
		cfg.MaxStepExecutions = DefaultMaxStepExecutions
	}
	e := &Engine{
		deps:     deps,
		cfg:      cfg,
		handlers: make(map[StepType]Handler),
		stops:    make(map[string]string),
	}
	e.handlers[StepAction] = e.runAction
	e.handlers[StepConditional] = runConditional
	e.handlers[StepGoto] = runGoto
	e.handlers[StepCheckpoint] = runCheckpoint
	e.handlers[StepInvoke] = e.runInvoke
	e.handlers[StepDecision] = e.runDecision
	return e
}

// Handle registers h for steps of type t, replacing any earlier handler.
// Custom types also need RegisterStepType so definitions using them parse.
func (e *Engine) Handle(t StepType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

func (e *Engine) handler(t StepType) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[t]
}

// Registry returns the definitions the engine resolves names against.
func (e *Engine) Registry() *Registry { return e.deps.Registry }

// Stop asks runID to park at its next step boundary. A task in flight is
// allowed to finish; its result is discarded.
func (e *Engine) Stop(runID, reason string) {
	if reason == "" {
		reason = "stopped"
	}
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	e.stops[runID] = reason
}

func (e *Engine) clearStop(runID string) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	delete(e.stops, runID)
}

// interrupted reports whether the run should park, and why.
func (e *Engine) interrupted(ctx context.Context, runID string) (string, bool) {
	if ctx.Err() != nil {
		return context.Cause(ctx).Error(), true
	}
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	reason, ok := e.stops[runID]
	return reason, ok
}

// RunOption customizes Run.
type RunOption func(*runOptions)

type runOptions struct {
	runID string
}

// WithRunID fixes the id of the new run instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// Run starts def with vars overlaid on its declared defaults and drives it
// until it completes, fails or parks. The returned error covers only
// failures to start; step failures are reported in Result.
func (e *Engine) Run(ctx context.Context, def *Definition, vars map[string]any, opts ...RunOption) (*Result, error) {
	if def == nil {
		return nil, errors.New("run: nil definition")
	}
	if _, err := e.deps.Registry.Get(def.Name); err != nil {
		if err := e.deps.Registry.Add(def); err != nil && !errors.Is(err, ErrDuplicateWorkflow) {
			return nil, err
		}
	}
	for _, callee := range def.Invokes() {
		if _, err := e.deps.Registry.Get(callee); err != nil {
			return nil, fmt.Errorf("run %s: %w", def.Name, err)
		}
	}

	o := runOptions{runID: uuid.New().String()[:8]}
	for _, opt := range opts {
		opt(&o)
	}

	bindings := make(map[string]any, len(def.Variables)+len(vars))
	for k, v := range def.Variables {
		bindings[k] = v
	}
	for k, v := range vars {
		if k == VarRunID || k == VarWorkflow {
			return nil, fmt.Errorf("run %s: %q is a built-in variable", def.Name, k)
		}
		bindings[k] = v
	}

	lease, err := e.deps.Store.Lock(o.runID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	st := models.NewWorkflowState(o.runID, def.Name, bindings)
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	log.Printf("[workflow] run %s started (%s, %d steps)", st.RunID, def.Name, len(def.Steps))
	e.deps.Metrics.IncRunStarted(def.Name)
	e.emit(st, events.Event{Type: events.RunStarted, Step: -1})

	return e.drive(ctx, st), nil
}

// Resume continues a saved run after its last completed step. Runs parked on
// an escalation must be continued with ResumeWithAnswer instead.
func (e *Engine) Resume(ctx context.Context, st *models.WorkflowState) (*Result, error) {
	if err := e.checkResumable(st); err != nil {
		return nil, err
	}
	if st.Pending != nil {
		return nil, fmt.Errorf("%w: run %s, escalation %s", ErrAwaitingAnswer, st.RunID, st.Pending.EscalationID)
	}

	lease, err := e.deps.Store.Lock(st.RunID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	st = st.Clone()
	st.Status = models.RunStatusRunning
	st.StopReason = ""
	e.clearStop(st.RunID)
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	frames := st.Frames()
	top := frames[len(frames)-1]
	log.Printf("[workflow] run %s resumed at %s step %d", st.RunID, top.Workflow, top.Next())
	e.emit(st, events.Event{Type: events.RunResumed, Step: top.Next()})

	return e.drive(ctx, st), nil
}

// ResumeWithAnswer binds an answered escalation to the decision step the run
// paused on and continues with the step after it. The decision engine is not
// consulted again.
func (e *Engine) ResumeWithAnswer(ctx context.Context, st *models.WorkflowState, esc *models.Escalation) (*Result, error) {
	applied, err := e.ApplyAnswer(ctx, st, esc)
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, applied)
}

// ApplyAnswer persists the human answer into a run parked on esc without
// executing anything. The returned state is ready for Resume.
func (e *Engine) ApplyAnswer(ctx context.Context, st *models.WorkflowState, esc *models.Escalation) (*models.WorkflowState, error) {
	if err := e.checkResumable(st); err != nil {
		return nil, err
	}
	if st.Pending == nil {
		return nil, fmt.Errorf("%w: run %s is not waiting on an escalation", ErrEscalationMismatch, st.RunID)
	}
	if esc == nil || esc.ID != st.Pending.EscalationID {
		return nil, fmt.Errorf("%w: run %s waits on %s", ErrEscalationMismatch, st.RunID, st.Pending.EscalationID)
	}
	if esc.Status == models.EscalationPending {
		return nil, fmt.Errorf("escalation %s has no answer yet", esc.ID)
	}

	lease, err := e.deps.Store.Lock(st.RunID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	st = st.Clone()
	pending := st.Pending
	frames := st.Frames()
	top := &frames[len(frames)-1]
	if pending.Output != "" {
		top.Variables[pending.Output] = esc.Response
	}
	top.CurrentStep = pending.Step
	top.NextStep = nil
	st.SetFrames(frames)
	st.Pending = nil
	st.StopReason = ""

	now := time.Now().UTC()
	st.TaskActivity = append(st.TaskActivity, models.TaskActivity{
		Workflow:   top.Workflow,
		Step:       pending.Step,
		StepType:   string(StepDecision),
		Status:     models.ActivityInfo,
		Message:    fmt.Sprintf("escalation %s answered by a human", esc.ID),
		StartedAt:  now,
		FinishedAt: now,
	})
	if err := e.save(ctx, st); err != nil {
		return nil, err
	}
	log.Printf("[workflow] run %s: answer to escalation %s bound to %q", st.RunID, esc.ID, pending.Output)
	return st, nil
}

func (e *Engine) checkResumable(st *models.WorkflowState) error {
	if st == nil {
		return errors.New("resume: nil state")
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunFinished, st.RunID, st.Status)
	}
	for _, f := range st.Frames() {
		if _, err := e.deps.Registry.Get(f.Workflow); err != nil {
			return fmt.Errorf("resume run %s: %w", st.RunID, err)
		}
	}
	return nil
}

// drive executes steps until the run leaves the running state.
func (e *Engine) drive(ctx context.Context, st *models.WorkflowState) *Result {
	for {
		if reason, stop := e.interrupted(ctx, st.RunID); stop {
			return e.park(ctx, st, reason)
		}

		frames := st.Frames()
		top := &frames[len(frames)-1]
		def, err := e.deps.Registry.Get(top.Workflow)
		if err != nil {
			return e.fail(ctx, st, err)
		}

		idx := top.Next()
		if idx >= len(def.Steps) {
			if len(frames) == 1 {
				return e.complete(ctx, st)
			}
			if err := e.returnFromCall(st, frames); err != nil {
				return e.fail(ctx, st, err)
			}
			if err := e.save(ctx, st); err != nil {
				return e.persistFailure(st, err)
			}
			continue
		}
		if idx < 0 {
			return e.fail(ctx, st, fmt.Errorf("%s: step index %d out of range", def.Name, idx))
		}

		st.StepExecutions++
		if st.StepExecutions > e.cfg.MaxStepExecutions {
			return e.fail(ctx, st, fmt.Errorf("%w: %d", ErrStepLimit, e.cfg.MaxStepExecutions))
		}

		step := &def.Steps[idx]
		h := e.handler(step.Type)
		if h == nil {
			return e.fail(ctx, st, fmt.Errorf("%s step %d: no handler for step type %q", def.Name, idx, step.Type))
		}
		sc := &StepContext{RunID: st.RunID, Def: def, Index: idx, Step: step, Depth: len(frames) - 1, frame: top}

		res, err := h(ctx, sc)
		if res == nil {
			res = &StepResult{}
		}
		if err != nil {
			st.TaskActivity = append(st.TaskActivity, res.Activity...)
			if errors.Is(err, errInterrupted) {
				reason, _ := e.interrupted(ctx, st.RunID)
				return e.park(ctx, st, reason)
			}
			return e.fail(ctx, st, fmt.Errorf("%s step %d (%s): %w", def.Name, idx, step.describe(), err))
		}

		if res.Pending != nil {
			st.TaskActivity = append(st.TaskActivity, res.Activity...)
			return e.pause(ctx, st, res.Pending)
		}

		if reason, stop := e.interrupted(ctx, st.RunID); stop {
			for _, act := range res.Activity {
				if act.Status == models.ActivitySucceeded {
					act.Status = models.ActivityDiscarded
					act.Message = "result discarded: " + reason
				}
				st.TaskActivity = append(st.TaskActivity, act)
			}
			log.Printf("[workflow] run %s step %d result discarded: %s", st.RunID, idx, reason)
			return e.park(ctx, st, reason)
		}
		st.TaskActivity = append(st.TaskActivity, res.Activity...)

		if res.Push != nil {
			for _, f := range frames {
				if f.Workflow == res.Push.Workflow {
					return e.fail(ctx, st, fmt.Errorf("%w: %s invokes %s", ErrCycle, def.Name, res.Push.Workflow))
				}
			}
			child := *res.Push
			child.CurrentStep = -1
			child.NextStep = nil
			child.CallerStep = idx
			if child.Variables == nil {
				child.Variables = make(map[string]any)
			}
			frames = append(frames, child)
			st.SetFrames(frames)
			if err := e.save(ctx, st); err != nil {
				return e.persistFailure(st, err)
			}
			log.Printf("[workflow] run %s entered sub-workflow %s from %s step %d", st.RunID, child.Workflow, def.Name, idx)
			continue
		}

		for k, v := range res.Bind {
			top.Variables[k] = v
		}
		top.CurrentStep = idx
		top.NextStep = res.Next
		st.SetFrames(frames)
		if err := e.save(ctx, st); err != nil {
			return e.persistFailure(st, err)
		}
		e.deps.Metrics.IncStepExecuted(def.Name, string(step.Type))
		e.emit(st, events.Event{Type: events.StepCompleted, Workflow: def.Name, Step: idx, StepType: string(step.Type)})
	}
}

// returnFromCall pops the finished top frame and binds its variables to the
// invoking step's output in the parent frame.
func (e *Engine) returnFromCall(st *models.WorkflowState, frames []models.Frame) error {
	child := frames[len(frames)-1]
	parent := &frames[len(frames)-2]
	pdef, err := e.deps.Registry.Get(parent.Workflow)
	if err != nil {
		return err
	}
	if child.CallerStep < 0 || child.CallerStep >= len(pdef.Steps) {
		return fmt.Errorf("%s: caller step %d out of range", parent.Workflow, child.CallerStep)
	}
	caller := &pdef.Steps[child.CallerStep]
	if caller.Output != "" {
		out := make(map[string]any, len(child.Variables))
		for k, v := range child.Variables {
			out[k] = v
		}
		parent.Variables[caller.Output] = out
	}
	parent.CurrentStep = child.CallerStep
	parent.NextStep = nil
	st.SetFrames(frames[:len(frames)-1])

	now := time.Now().UTC()
	st.TaskActivity = append(st.TaskActivity, models.TaskActivity{
		Workflow:   parent.Workflow,
		Step:       child.CallerStep,
		StepType:   string(StepInvoke),
		Status:     models.ActivityInfo,
		Message:    fmt.Sprintf("sub-workflow %s completed", child.Workflow),
		StartedAt:  now,
		FinishedAt: now,
	})
	e.deps.Metrics.IncStepExecuted(parent.Workflow, string(StepInvoke))
	e.emit(st, events.Event{Type: events.StepCompleted, Workflow: parent.Workflow, Step: child.CallerStep, StepType: string(StepInvoke)})
	return nil
}

func (e *Engine) save(ctx context.Context, st *models.WorkflowState) error {
	st.LastUpdate = time.Now().UTC()
	// A cancelled run still has to record where it parked.
	if err := e.deps.Store.Save(context.WithoutCancel(ctx), st); err != nil {
		return fmt.Errorf("persist run %s: %w", st.RunID, err)
	}
	return nil
}

func (e *Engine) pause(ctx context.Context, st *models.WorkflowState, pending *models.PendingEscalation) *Result {
	st.Status = models.RunStatusPaused
	st.Pending = pending
	if err := e.save(ctx, st); err != nil {
		return e.persistFailure(st, err)
	}
	log.Printf("[workflow] run %s paused on escalation %s (step %d)", st.RunID, pending.EscalationID, pending.Step)
	e.deps.Metrics.IncRunFinished(st.WorkflowName, string(models.RunStatusPaused))
	e.emit(st, events.Event{Type: events.RunPaused, Step: pending.Step, EscalationID: pending.EscalationID})
	return e.result(st, nil)
}

func (e *Engine) park(ctx context.Context, st *models.WorkflowState, reason string) *Result {
	e.clearStop(st.RunID)
	st.Status = models.RunStatusPaused
	st.StopReason = reason
	if err := e.save(ctx, st); err != nil {
		return e.persistFailure(st, err)
	}
	log.Printf("[workflow] run %s parked: %s", st.RunID, reason)
	e.deps.Metrics.IncRunFinished(st.WorkflowName, string(models.RunStatusPaused))
	e.emit(st, events.Event{Type: events.RunPaused, Step: -1, Message: reason})
	return e.result(st, nil)
}

func (e *Engine) complete(ctx context.Context, st *models.WorkflowState) *Result {
	st.Status = models.RunStatusCompleted
	if err := e.save(ctx, st); err != nil {
		return e.persistFailure(st, err)
	}
	e.archive(ctx, st)
	log.Printf("[workflow] run %s completed (%d steps executed)", st.RunID, st.StepExecutions)
	e.deps.Metrics.IncRunFinished(st.WorkflowName, string(models.RunStatusCompleted))
	e.emit(st, events.Event{Type: events.RunCompleted, Step: -1})
	return e.result(st, nil)
}

func (e *Engine) fail(ctx context.Context, st *models.WorkflowState, runErr error) *Result {
	st.Status = models.RunStatusError
	st.Error = runErr.Error()
	if err := e.save(ctx, st); err != nil {
		return e.persistFailure(st, errors.Join(runErr, err))
	}
	e.archive(ctx, st)
	log.Printf("[workflow] run %s failed: %v", st.RunID, runErr)
	e.deps.Metrics.IncRunFinished(st.WorkflowName, string(models.RunStatusError))
	e.emit(st, events.Event{Type: events.RunFailed, Step: -1, Error: runErr.Error()})
	return e.result(st, runErr)
}

// persistFailure reports a run whose state could not be written. The last
// saved snapshot remains authoritative.
func (e *Engine) persistFailure(st *models.WorkflowState, err error) *Result {
	log.Printf("[workflow] run %s: %v", st.RunID, err)
	st.Status = models.RunStatusError
	st.Error = err.Error()
	e.emit(st, events.Event{Type: events.RunFailed, Step: -1, Error: err.Error()})
	return e.result(st, err)
}

func (e *Engine) archive(ctx context.Context, st *models.WorkflowState) {
	if err := e.deps.Store.Archive(context.WithoutCancel(ctx), st.RunID); err != nil {
		log.Printf("[workflow] run %s: archive failed: %v", st.RunID, err)
	}
}

func (e *Engine) result(st *models.WorkflowState, err error) *Result {
	r := &Result{RunID: st.RunID, Status: st.Status, State: st.Clone(), Err: err}
	if st.Pending != nil {
		r.EscalationID = st.Pending.EscalationID
	}
	return r
}

func (e *Engine) emit(st *models.WorkflowState, ev events.Event) {
	ev.RunID = st.RunID
	if ev.Workflow == "" {
		ev.Workflow = st.WorkflowName
	}
	e.deps.Events.Emit(ev)
}
