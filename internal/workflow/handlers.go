package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/decision"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// interrupt wraps the reason a step stopped before producing a result.
func interrupt(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %v", errInterrupted, cause)
	}
	return errInterrupted
}

// withRetries runs fn under the retry policy, recording one activity per
// attempt. fn fills in the attempt's activity and returns its failure.
// recovered is true when the final failure was classified recoverable.
func (e *Engine) withRetries(ctx context.Context, sc *StepContext, res *StepResult, fn func(ctx context.Context, act *models.TaskActivity) error) (recovered bool, err error) {
	policy := e.deps.Policy
	for attempt := 1; ; attempt++ {
		if _, stop := e.interrupted(ctx, sc.RunID); stop {
			return false, interrupt(ctx)
		}

		act := sc.activity(models.ActivitySucceeded, "")
		act.Attempt = attempt
		err := fn(ctx, &act)
		act.FinishedAt = time.Now().UTC()
		if err == nil {
			res.Activity = append(res.Activity, act)
			return false, nil
		}
		if errors.Is(err, errInterrupted) {
			return false, err
		}

		act.Error = err.Error()
		switch policy.ClassifyAttempt(err, attempt) {
		case retry.Retryable:
			act.Status = models.ActivityRetried
			res.Activity = append(res.Activity, act)
			log.Printf("[workflow] run %s step %d attempt %d/%d failed (%s), retrying in %s: %v",
				sc.RunID, sc.Index, attempt, policy.Attempts(), retry.KindOf(err), policy.Backoff(attempt), err)
			e.deps.Events.Emit(events.Event{
				Type:     events.StepRetried,
				RunID:    sc.RunID,
				Workflow: sc.Def.Name,
				Step:     sc.Index,
				StepType: string(sc.Step.Type),
				Error:    err.Error(),
			})
			if werr := policy.Wait(ctx, attempt); werr != nil {
				return false, interrupt(ctx)
			}
		case retry.Recoverable:
			act.Status = models.ActivityRecovered
			res.Activity = append(res.Activity, act)
			log.Printf("[workflow] run %s step %d recovered from: %v", sc.RunID, sc.Index, err)
			return true, nil
		default:
			act.Status = models.ActivityFailed
			res.Activity = append(res.Activity, act)
			return false, err
		}
	}
}

// runAction delegates the step's prompt to a pool task. Every attempt takes
// a fresh task so a waiting run never holds a slot through its backoff.
func (e *Engine) runAction(ctx context.Context, sc *StepContext) (*StepResult, error) {
	step := sc.Step
	prompt, err := sc.Render(step.Prompt)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	system, err := sc.Render(step.System)
	if err != nil {
		return nil, fmt.Errorf("render system: %w", err)
	}

	providerName := step.Provider
	if providerName == "" {
		providerName = e.cfg.DefaultProvider
	}
	model := step.Model
	if model == "" && step.Provider == "" {
		model = e.cfg.DefaultModel
	}

	var unitID string
	req := provider.Request{System: system, Prompt: prompt}
	if step.Workspace != "" {
		unitID, err = sc.Render(step.Workspace)
		if err != nil {
			return nil, fmt.Errorf("render workspace: %w", err)
		}
		ws, err := e.workspace(unitID)
		if err != nil {
			return nil, err
		}
		req.WorkDir = ws.Path
	}

	spec := pool.TaskSpec{
		Provider: providerName,
		Model:    model,
		Input:    prompt,
		Timeout:  step.TimeoutDuration(),
		Groups: map[string]string{
			"run":      sc.RunID,
			"workflow": sc.Def.Name,
			"provider": providerName,
		},
	}

	res := &StepResult{}
	var text string
	recovered, err := e.withRetries(ctx, sc, res, func(ctx context.Context, act *models.TaskActivity) error {
		act.Provider = providerName
		act.Model = model
		task, err := e.deps.Executor.Acquire(ctx, spec)
		if err != nil {
			if ctx.Err() != nil {
				return interrupt(ctx)
			}
			return err
		}
		defer e.deps.Executor.Release(task)
		act.TaskID = task.ID
		act.Provider = task.Provider
		act.Model = task.Model

		// The invocation runs to completion even if the run is cancelled.
		var resp *provider.Response
		if step.Stream {
			resp, err = e.deps.Executor.InvokeStream(context.WithoutCancel(ctx), task, req, func(chunk string) {
				e.deps.Events.Emit(events.Event{
					Type:     events.StepOutput,
					RunID:    sc.RunID,
					Workflow: sc.Def.Name,
					Step:     sc.Index,
					StepType: string(step.Type),
					Message:  chunk,
				})
			})
		} else {
			resp, err = e.deps.Executor.Invoke(context.WithoutCancel(ctx), task, req)
		}
		if err != nil {
			return err
		}
		act.InputTokens = resp.Usage.InputTokens
		act.OutputTokens = resp.Usage.OutputTokens
		act.Cost = resp.Cost
		text = resp.Text
		return nil
	})
	if err != nil {
		if unitID != "" && !errors.Is(err, errInterrupted) {
			e.abandonWorkspace(sc, unitID)
		}
		return res, err
	}

	if step.Output != "" {
		if recovered {
			res.Bind = map[string]any{step.Output: ""}
		} else {
			value, err := decodeOutput(step.Format, text)
			if err != nil {
				if unitID != "" {
					e.abandonWorkspace(sc, unitID)
				}
				return res, err
			}
			res.Bind = map[string]any{step.Output: value}
		}
	}

	if unitID != "" && !recovered {
		if _, err := e.deps.Workspaces.Finalize(unitID); err != nil {
			return res, fmt.Errorf("finalize workspace %s: %w", unitID, err)
		}
	}
	return res, nil
}

// workspace returns the unit's active workspace, creating it on first use.
// A unit finalized by an earlier pass is reopened; an abandoned one is
// replaced by a fresh copy.
func (e *Engine) workspace(unitID string) (*models.Workspace, error) {
	if e.deps.Workspaces == nil {
		return nil, errors.New("step needs a workspace but no workspace manager is configured")
	}
	ws, err := e.deps.Workspaces.Get(unitID)
	if err == nil {
		switch ws.Status {
		case models.WorkspaceActive:
			return ws, nil
		case models.WorkspaceFinalized:
			ws, err = e.deps.Workspaces.Reopen(unitID)
			if err != nil {
				return nil, fmt.Errorf("reopen workspace %s: %w", unitID, err)
			}
			return ws, nil
		}
	}
	ws, err = e.deps.Workspaces.Create(unitID)
	if err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", unitID, err)
	}
	return ws, nil
}

// abandonWorkspace gives up a unit whose step failed. The step error is what
// the run reports, so a cleanup failure is only logged.
func (e *Engine) abandonWorkspace(sc *StepContext, unitID string) {
	if err := e.deps.Workspaces.Abandon(unitID); err != nil {
		log.Printf("[workflow] run %s: abandon workspace %s: %v", sc.RunID, unitID, err)
		return
	}
	log.Printf("[workflow] run %s: abandoned workspace %s after step %d failed", sc.RunID, unitID, sc.Index)
}

// decodeOutput converts a response into the bound value.
func decodeOutput(format, text string) (any, error) {
	if format != FormatJSON {
		return text, nil
	}
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decode json output: %w", err)
	}
	return v, nil
}

// runDecision asks the decision engine. A pending outcome parks the run.
func (e *Engine) runDecision(ctx context.Context, sc *StepContext) (*StepResult, error) {
	if e.deps.Decider == nil {
		return nil, errors.New("decision step needs a decision engine")
	}
	step := sc.Step
	question, err := sc.Render(step.Question)
	if err != nil {
		return nil, fmt.Errorf("render question: %w", err)
	}
	background, err := sc.Render(step.Context)
	if err != nil {
		return nil, fmt.Errorf("render context: %w", err)
	}
	q := decision.Question{
		RunID:    sc.RunID,
		Workflow: sc.Def.Name,
		Step:     sc.Index,
		Output:   step.Output,
		Question: question,
		Context:  background,
	}

	res := &StepResult{}
	var out *decision.Outcome
	recovered, err := e.withRetries(ctx, sc, res, func(ctx context.Context, act *models.TaskActivity) error {
		o, err := e.deps.Decider.Decide(context.WithoutCancel(ctx), q)
		if err != nil {
			return err
		}
		out = o
		act.Status = models.ActivityInfo
		if o.Pending {
			act.Message = fmt.Sprintf("escalated as %s", o.EscalationID)
		} else {
			act.Message = fmt.Sprintf("decided by %s (confidence %.2f)", o.Decision.Provenance, o.Decision.Confidence)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if recovered {
		res.Bind = map[string]any{step.Output: ""}
		return res, nil
	}
	if out.Pending {
		res.Pending = &models.PendingEscalation{
			EscalationID: out.EscalationID,
			Step:         sc.Index,
			Output:       step.Output,
		}
		return res, nil
	}
	res.Bind = map[string]any{step.Output: out.Decision.Answer}
	return res, nil
}

func runConditional(_ context.Context, sc *StepContext) (*StepResult, error) {
	step := sc.Step
	cond := step.cond
	if cond == nil {
		c, err := CompileExpr(step.If)
		if err != nil {
			return nil, fmt.Errorf("compile condition: %w", err)
		}
		cond = c
	}
	ok, err := cond.Eval(sc.Vars())
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", cond, err)
	}
	if ok {
		return &StepResult{Next: step.Then}, nil
	}
	return &StepResult{Next: step.Else}, nil
}

func runGoto(_ context.Context, sc *StepContext) (*StepResult, error) {
	if sc.Step.Target == nil {
		return nil, errors.New("goto without target")
	}
	return &StepResult{Next: sc.Step.Target}, nil
}

func runCheckpoint(_ context.Context, sc *StepContext) (*StepResult, error) {
	label := sc.Step.Label
	if label == "" {
		label = fmt.Sprintf("checkpoint %d", sc.Index)
	}
	return &StepResult{Activity: []models.TaskActivity{sc.activity(models.ActivityInfo, label)}}, nil
}

// runInvoke enters a sub-workflow. The child sees only its own declared
// defaults and the rendered with bindings.
func (e *Engine) runInvoke(_ context.Context, sc *StepContext) (*StepResult, error) {
	child, err := e.deps.Registry.Get(sc.Step.Workflow)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(child.Variables)+len(sc.Step.With))
	for k, v := range child.Variables {
		vars[k] = v
	}
	for k, tmpl := range sc.Step.With {
		v, err := sc.Render(tmpl)
		if err != nil {
			return nil, fmt.Errorf("render with.%s: %w", k, err)
		}
		vars[k] = v
	}
	return &StepResult{
		Push: &models.Frame{Workflow: child.Name, Variables: vars},
		Activity: []models.TaskActivity{
			sc.activity(models.ActivityInfo, "invoking "+child.Name),
		},
	}, nil
}
