package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/workflow"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	// ErrRunActive is returned when starting or resuming a run that is already executing.
	ErrRunActive = errors.New("run is already executing")
	// ErrRunNotActive is returned when cancelling or waiting on a run this process is not executing.
	ErrRunNotActive = errors.New("run is not executing")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("orchestrator stopped")
)

// errShutdown is the cancellation cause recorded on runs parked by Stop.
var errShutdown = errors.New("orchestrator shutting down")

// maxFinishedRuns is how many ended runs stay available to Wait.
const maxFinishedRuns = 256

// Config contains the dependencies of an Orchestrator.
type Config struct {
	// Engine executes steps. Required.
	Engine *workflow.Engine
	// Store loads snapshots for resume and recovery. Required.
	Store state.Store
	// Queue, when set, routes escalation answers to this orchestrator.
	Queue *escalation.Queue
}

// RunInfo describes a run executing in this process.
type RunInfo struct {
	RunID     string    `json:"runId"`
	Workflow  string    `json:"workflow"`
	StartedAt time.Time `json:"startedAt"`
}

// run tracks one executing goroutine. A run that parks exits its goroutine;
// a later resume creates a new run for the same id.
type run struct {
	info   RunInfo
	cancel context.CancelCauseFunc
	done   chan struct{}

	result *workflow.Result
	err    error
}

// Orchestrator owns the goroutines executing runs.
type Orchestrator struct {
	engine *workflow.Engine
	store  state.Store
	queue  *escalation.Queue

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*run
	finished []*run // ended runs, oldest first
	stopped  bool
}

// New creates an orchestrator and registers it as the queue's run controller.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		engine: cfg.Engine,
		store:  cfg.Store,
		queue:  cfg.Queue,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
	if o.queue != nil {
		o.queue.SetController(o)
	}
	return o, nil
}

// Start launches a new run of the named workflow and returns its id without
// waiting for it to finish.
func (o *Orchestrator) Start(ctx context.Context, name string, vars map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	def, err := o.engine.Registry().Get(name)
	if err != nil {
		return "", err
	}
	runID := uuid.New().String()[:8]
	err = o.launch(runID, def.Name, func(ctx context.Context) (*workflow.Result, error) {
		return o.engine.Run(ctx, def, vars, workflow.WithRunID(runID))
	})
	if err != nil {
		return "", err
	}
	log.Printf("[orchestrator] started run %s (%s)", runID, def.Name)
	return runID, nil
}

// Resume continues a parked or interrupted run. A run waiting on an
// escalation that has already been answered resumes with that answer.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	st, err := o.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: run %s is %s", workflow.ErrRunFinished, runID, st.Status)
	}
	if st.Pending != nil {
		esc, err := o.answeredEscalation(st.Pending.EscalationID)
		if err != nil {
			return err
		}
		return o.resumeWithAnswer(ctx, st, esc)
	}
	return o.launch(runID, st.WorkflowName, func(ctx context.Context) (*workflow.Result, error) {
		return o.engine.Resume(ctx, st)
	})
}

func (o *Orchestrator) answeredEscalation(id string) (*models.Escalation, error) {
	if o.queue == nil {
		return nil, fmt.Errorf("%w: %s", workflow.ErrAwaitingAnswer, id)
	}
	esc, err := o.queue.Get(id)
	if err != nil {
		return nil, err
	}
	if esc.Status == models.EscalationPending {
		return nil, fmt.Errorf("%w: %s", workflow.ErrAwaitingAnswer, id)
	}
	return esc, nil
}

// Cancel parks runID at its next step boundary. A task already in flight
// finishes and its result is discarded; the run stays resumable.
func (o *Orchestrator) Cancel(runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok || r.finished() {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	r.cancel(errors.New(reason))
	log.Printf("[orchestrator] cancel requested for run %s: %s", runID, reason)
	return nil
}

// Wait blocks until the run's current execution ends and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*workflow.Result, error) {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runs returns the runs currently executing, ordered by start time.
func (o *Orchestrator) Runs() []RunInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunInfo, 0, len(o.runs))
	for _, r := range o.runs {
		if !r.finished() {
			out = append(out, r.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stop parks every executing run and waits for their goroutines to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.cancel(errShutdown)
	o.wg.Wait()
	log.Printf("[orchestrator] stopped")
}

// RecoverInterrupted resumes runs a crash left in the running state and
// re-drives escalations that were answered but never applied. It returns how
// many runs were resumed.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	resumed := 0
	var errs []error
	for _, st := range active {
		if st.Status != models.RunStatusRunning {
			continue
		}
		st := st
		err := o.launch(st.RunID, st.WorkflowName, func(ctx context.Context) (*workflow.Result, error) {
			return o.engine.Resume(ctx, st)
		})
		if err != nil {
			if errors.Is(err, ErrRunActive) {
				continue
			}
			errs = append(errs, fmt.Errorf("run %s: %w", st.RunID, err))
			continue
		}
		log.Printf("[orchestrator] recovering interrupted run %s (%s)", st.RunID, st.WorkflowName)
		resumed++
	}

	if o.queue != nil {
		n, err := o.queue.Retry(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		resumed += n
	}
	return resumed, errors.Join(errs...)
}

// PauseRun acknowledges that runID is parked on escalationID. The engine
// parks the run itself and persists the pending escalation; nothing else is touched.
func (o *Orchestrator) PauseRun(_ context.Context, runID, escalationID string) error {
	log.Printf("[orchestrator] run %s paused on escalation %s", runID, escalationID)
	return nil
}

// ResumeRun applies an answered escalation to exactly the run that raised it
// and continues that run in the background. Answers for escalations the run
// has already moved past are ignored, so re-driving is safe.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string, esc *models.Escalation) error {
	// The decision step queues the escalation before the run has parked.
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st, err := o.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	return o.resumeWithAnswer(ctx, st, esc)
}

func (o *Orchestrator) resumeWithAnswer(ctx context.Context, st *models.WorkflowState, esc *models.Escalation) error {
	switch {
	case st.Status.Terminal():
		log.Printf("[orchestrator] run %s is %s, ignoring answer to %s", st.RunID, st.Status, esc.ID)
		return nil
	case st.Pending == nil:
		// The answer was applied before a crash; only the resume is missing.
		if st.Status == models.RunStatusPaused && st.StopReason == "" {
			return o.launch(st.RunID, st.WorkflowName, func(ctx context.Context) (*workflow.Result, error) {
				return o.engine.Resume(ctx, st)
			})
		}
		log.Printf("[orchestrator] run %s is not waiting on %s, ignoring answer", st.RunID, esc.ID)
		return nil
	case st.Pending.EscalationID != esc.ID:
		log.Printf("[orchestrator] run %s waits on %s, ignoring answer to %s", st.RunID, st.Pending.EscalationID, esc.ID)
		return nil
	}

	applied, err := o.engine.ApplyAnswer(ctx, st, esc)
	if err != nil {
		return err
	}
	return o.launch(st.RunID, st.WorkflowName, func(ctx context.Context) (*workflow.Result, error) {
		return o.engine.Resume(ctx, applied)
	})
}

// launch runs fn on its own goroutine under a per-run cancellable context.
func (o *Orchestrator) launch(runID, name string, fn func(ctx context.Context) (*workflow.Result, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if r, ok := o.runs[runID]; ok && !r.finished() {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}

	ctx, cancel := context.WithCancelCause(o.ctx)
	r := &run{
		info:   RunInfo{RunID: runID, Workflow: name, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.runs[runID] = r

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer cancel(nil)

		r.result, r.err = fn(ctx)
		o.retire(r)
		switch {
		case r.err != nil:
			log.Printf("[orchestrator] run %s could not execute: %v", runID, r.err)
		case r.result.Err != nil:
			log.Printf("[orchestrator] run %s ended %s: %v", runID, r.result.Status, r.result.Err)
		default:
			log.Printf("[orchestrator] run %s ended %s", runID, r.result.Status)
		}
	}()
	return nil
}

// retire records that r has ended and forgets the oldest ended runs beyond
// maxFinishedRuns. An id relaunched since keeps its newer entry.
func (o *Orchestrator) retire(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
	for len(o.finished) > maxFinishedRuns {
		oldest := o.finished[0]
		o.finished = o.finished[1:]
		if o.runs[oldest.info.RunID] == oldest {
			delete(o.runs, oldest.info.RunID)
		}
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

var _ escalation.RunController = (*Orchestrator)(nil)
