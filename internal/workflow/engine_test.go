package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/decision"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/events"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

type fakeDecider struct {
	mu       sync.Mutex
	outcomes []*decision.Outcome
	asked    []decision.Question
}

func (d *fakeDecider) Decide(_ context.Context, q decision.Question) (*decision.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked = append(d.asked, q)
	if len(d.outcomes) == 0 {
		return nil, errors.New("no outcome scripted")
	}
	out := d.outcomes[0]
	d.outcomes = d.outcomes[1:]
	return out, nil
}

type fakeWorkspaces struct {
	mu        sync.Mutex
	spaces    map[string]*models.Workspace
	created   int
	finalized []string
	reopened  []string
	abandoned []string
}

func (w *fakeWorkspaces) Create(unitID string) (*models.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ws, ok := w.spaces[unitID]; ok && ws.Status != models.WorkspaceAbandoned {
		return nil, fmt.Errorf("workspace already exists (status %s)", ws.Status)
	}
	w.created++
	ws := &models.Workspace{UnitID: unitID, Path: "/work/" + unitID, Branch: "agentorch/" + unitID, Status: models.WorkspaceActive}
	w.spaces[unitID] = ws
	return ws, nil
}

func (w *fakeWorkspaces) Get(unitID string) (*models.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ws, ok := w.spaces[unitID]
	if !ok {
		return nil, errors.New("not found")
	}
	return ws, nil
}

func (w *fakeWorkspaces) Finalize(unitID string) (*models.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = append(w.finalized, unitID)
	ws := w.spaces[unitID]
	ws.Status = models.WorkspaceFinalized
	return ws, nil
}

func (w *fakeWorkspaces) Reopen(unitID string) (*models.Workspace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reopened = append(w.reopened, unitID)
	ws := w.spaces[unitID]
	ws.Status = models.WorkspaceActive
	return ws, nil
}

func (w *fakeWorkspaces) Abandon(unitID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abandoned = append(w.abandoned, unitID)
	w.spaces[unitID].Status = models.WorkspaceAbandoned
	return nil
}

type harness struct {
	engine   *Engine
	registry *Registry
	store    *state.FileStore
	scripted *provider.Scripted
	events   *eventLog
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T, script provider.ScriptFunc, cfg Config, mutate ...func(*Deps)) *harness {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	f := provider.NewFactory()
	sp := provider.NewScripted("", script)
	f.Register(sp)

	h := &harness{
		registry: NewRegistry(),
		store:    store,
		scripted: sp,
		events:   &eventLog{},
	}
	deps := Deps{
		Registry: h.registry,
		Store:    store,
		Executor: pool.New(f, pool.Config{MaxConcurrent: 2, DefaultTimeout: 5 * time.Second}),
		Policy:   &retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Sleep: noSleep},
		Events:   h.events,
	}
	for _, m := range mutate {
		m(&deps)
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = provider.ScriptedName
	}
	h.engine = New(deps, cfg)
	return h
}

func (h *harness) prompts() []string {
	var out []string
	for _, c := range h.scripted.Calls() {
		out = append(out, c.Request.Prompt)
	}
	return out
}

func mustParse(t *testing.T, doc string) *Definition {
	t.Helper()
	def, err := Parse([]byte(doc), DocYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return def
}

func TestEngine_LinearRunVisitsStepsInOrder(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	def := mustParse(t, `
name: linear
variables:
  topic: queues
steps:
  - type: action
    prompt: "outline {{ topic }}"
    output: outline
  - type: checkpoint
    label: outlined
  - type: action
    prompt: "expand {{ outline }}"
    output: draft
`)

	res, err := h.engine.Run(context.Background(), def, nil, WithRunID("run-linear"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q, want completed (err %v)", res.Status, res.Err)
	}
	want := []string{"outline queues", "expand outline queues"}
	if got := h.prompts(); !reflect.DeepEqual(got, want) {
		t.Errorf("prompts = %q, want %q", got, want)
	}
	if got := res.State.Variables["draft"]; got != "expand outline queues" {
		t.Errorf("draft = %v", got)
	}
	if res.State.CurrentStep != 2 {
		t.Errorf("CurrentStep = %d, want 2", res.State.CurrentStep)
	}
	if n := len(res.State.TaskActivity); n != 3 {
		t.Errorf("len(TaskActivity) = %d, want 3", n)
	}

	saved, err := h.store.Load(context.Background(), "run-linear")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if saved.Status != models.RunStatusCompleted {
		t.Errorf("saved Status = %q, want completed", saved.Status)
	}
	active, err := h.store.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() = %d runs, want 0 after completion", len(active))
	}

	wantEvents := []events.Type{events.RunStarted, events.StepCompleted, events.StepCompleted, events.StepCompleted, events.RunCompleted}
	if got := h.events.types(); !reflect.DeepEqual(got, wantEvents) {
		t.Errorf("events = %v, want %v", got, wantEvents)
	}
}

func TestEngine_ConditionalBranches(t *testing.T) {
	doc := `
name: branch
variables:
  env: dev
steps:
  - type: conditional
    if: "env == 'prod'"
    then: 2
  - type: action
    prompt: "deploy to dev"
  - type: action
    prompt: "final check"
`
	tests := []struct {
		env  string
		want []string
	}{
		{"dev", []string{"deploy to dev", "final check"}},
		{"prod", []string{"final check"}},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			h := newHarness(t, provider.Echo, Config{})
			res, err := h.engine.Run(context.Background(), mustParse(t, doc), map[string]any{"env": tt.env})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Status != models.RunStatusCompleted {
				t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
			}
			if got := h.prompts(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("prompts = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_GotoLoopHitsStepLimit(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{MaxStepExecutions: 5})
	def := mustParse(t, "name: spin\nsteps:\n  - type: checkpoint\n  - type: goto\n    target: 0\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if !errors.Is(res.Err, ErrStepLimit) {
		t.Errorf("Err = %v, want ErrStepLimit", res.Err)
	}
}

func TestEngine_RetriesRetryableFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	script := func(_ context.Context, _ string, req provider.Request) (*provider.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, retry.Mark(retry.KindTransport, errors.New("connection reset"))
		}
		return &provider.Response{Text: "done"}, nil
	}
	var slept []time.Duration
	h := newHarness(t, script, Config{}, func(d *Deps) {
		d.Policy = &retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Sleep: func(ctx context.Context, d time.Duration) error {
				slept = append(slept, d)
				return ctx.Err()
			},
		}
	})
	def := mustParse(t, "name: flaky\nsteps:\n  - type: action\n    prompt: go\n    output: out\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	var statuses []models.ActivityStatus
	for _, a := range res.State.TaskActivity {
		statuses = append(statuses, a.Status)
	}
	want := []models.ActivityStatus{models.ActivityRetried, models.ActivityRetried, models.ActivitySucceeded}
	if !reflect.DeepEqual(statuses, want) {
		t.Errorf("activity statuses = %v, want %v", statuses, want)
	}
	if res.State.TaskActivity[2].Attempt != 3 {
		t.Errorf("final Attempt = %d, want 3", res.State.TaskActivity[2].Attempt)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(slept, want) {
		t.Errorf("backoff = %v, want %v", slept, want)
	}
	retried := 0
	for _, typ := range h.events.types() {
		if typ == events.StepRetried {
			retried++
		}
	}
	if retried != 2 {
		t.Errorf("step_retried events = %d, want 2", retried)
	}
}

func TestEngine_FailureClasses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus models.RunStatus
		wantCalls  int
		wantLast   models.ActivityStatus
	}{
		{"retries exhausted", retry.Mark(retry.KindRateLimit, errors.New("429")), models.RunStatusError, 3, models.ActivityFailed},
		{"auth escalates at once", retry.Mark(retry.KindAuth, errors.New("401")), models.RunStatusError, 1, models.ActivityFailed},
		{"untagged escalates", errors.New("mystery"), models.RunStatusError, 1, models.ActivityFailed},
		{"handled continues", retry.Handled(errors.New("empty diff")), models.RunStatusCompleted, 2, models.ActivitySucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := func(_ context.Context, _ string, req provider.Request) (*provider.Response, error) {
				if req.Prompt == "first" {
					return nil, tt.err
				}
				return &provider.Response{Text: req.Prompt}, nil
			}
			h := newHarness(t, script, Config{})
			def := mustParse(t, "name: classes\nsteps:\n  - type: action\n    prompt: first\n    output: draft\n  - type: action\n    prompt: \"after [{{ draft }}]\"\n")

			res, err := h.engine.Run(context.Background(), def, nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Fatalf("Status = %q, want %q (err %v)", res.Status, tt.wantStatus, res.Err)
			}
			if got := len(h.scripted.Calls()); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			acts := res.State.TaskActivity
			if last := acts[len(acts)-1].Status; last != tt.wantLast {
				t.Errorf("last activity = %q, want %q", last, tt.wantLast)
			}
			if tt.wantStatus == models.RunStatusError {
				if res.Err == nil || res.State.Error == "" {
					t.Error("failed run should carry its error")
				}
			} else if got := h.prompts()[1]; got != "after []" {
				t.Errorf("prompt after recovery = %q, want %q", got, "after []")
			}
		})
	}
}

func TestEngine_ResumeStartsAfterLastCompletedStep(t *testing.T) {
	doc := `
name: four
steps:
  - type: action
    prompt: s0
  - type: action
    prompt: s1
  - type: action
    prompt: s2
  - type: action
    prompt: s3
`
	three := 3
	tests := []struct {
		name    string
		current int
		next    *int
		want    []string
	}{
		{"after step 1", 1, nil, []string{"s2", "s3"}},
		{"before any step", -1, nil, []string{"s0", "s1", "s2", "s3"}},
		{"after a jump", 0, &three, []string{"s3"}},
		{"after last step", 3, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, provider.Echo, Config{})
			if err := h.registry.Add(mustParse(t, doc)); err != nil {
				t.Fatal(err)
			}
			st := models.NewWorkflowState("run-resume", "four", nil)
			st.CurrentStep = tt.current
			st.NextStep = tt.next
			st.Status = models.RunStatusPaused
			if err := h.store.Save(context.Background(), st); err != nil {
				t.Fatal(err)
			}

			res, err := h.engine.Resume(context.Background(), st)
			if err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if res.Status != models.RunStatusCompleted {
				t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
			}
			if got := h.prompts(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("prompts = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_StopDiscardsInFlightResult(t *testing.T) {
	var h *harness
	script := func(ctx context.Context, model string, req provider.Request) (*provider.Response, error) {
		if req.Prompt == "two" && len(h.scripted.Calls()) == 2 {
			h.engine.Stop("run-stop", "operator stop")
		}
		return provider.Echo(ctx, model, req)
	}
	h = newHarness(t, script, Config{})
	def := mustParse(t, "name: stoppable\nsteps:\n  - type: action\n    prompt: one\n  - type: action\n    prompt: two\n  - type: action\n    prompt: three\n")

	res, err := h.engine.Run(context.Background(), def, nil, WithRunID("run-stop"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusPaused {
		t.Fatalf("Status = %q, want paused", res.Status)
	}
	if res.State.StopReason != "operator stop" {
		t.Errorf("StopReason = %q, want operator stop", res.State.StopReason)
	}
	if res.State.CurrentStep != 0 {
		t.Errorf("CurrentStep = %d, want 0", res.State.CurrentStep)
	}
	acts := res.State.TaskActivity
	if last := acts[len(acts)-1]; last.Status != models.ActivityDiscarded {
		t.Errorf("last activity = %q, want discarded", last.Status)
	}

	saved, err := h.store.Load(context.Background(), "run-stop")
	if err != nil {
		t.Fatal(err)
	}
	res, err = h.engine.Resume(context.Background(), saved)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status after resume = %q (err %v)", res.Status, res.Err)
	}
	want := []string{"one", "two", "two", "three"}
	if got := h.prompts(); !reflect.DeepEqual(got, want) {
		t.Errorf("prompts = %q, want %q", got, want)
	}
}

func TestEngine_CancelledContextParksRun(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	def := mustParse(t, "name: idle\nsteps:\n  - type: action\n    prompt: never\n")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("shutdown"))

	res, err := h.engine.Run(ctx, def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusPaused || res.State.StopReason != "shutdown" {
		t.Errorf("Status = %q StopReason = %q, want paused/shutdown", res.Status, res.State.StopReason)
	}
	if n := len(h.scripted.Calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
	saved, err := h.store.Load(context.Background(), res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != models.RunStatusPaused {
		t.Errorf("saved Status = %q, want paused", saved.Status)
	}
}

func TestEngine_DecisionEscalationPausesAndResumes(t *testing.T) {
	decider := &fakeDecider{outcomes: []*decision.Outcome{{Pending: true, EscalationID: "esc-9"}}}
	h := newHarness(t, provider.Echo, Config{}, func(d *Deps) { d.Decider = decider })
	def := mustParse(t, `
name: choose
variables:
  service: billing
steps:
  - type: decision
    question: "Which colour for {{ service }}?"
    context: "brand guide"
    output: colour
  - type: action
    prompt: "paint {{ colour }}"
`)

	res, err := h.engine.Run(context.Background(), def, nil, WithRunID("run-esc"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusPaused || res.EscalationID != "esc-9" {
		t.Fatalf("Status = %q EscalationID = %q, want paused/esc-9", res.Status, res.EscalationID)
	}
	if n := len(h.scripted.Calls()); n != 0 {
		t.Errorf("action ran before the answer: %d calls", n)
	}
	if q := decider.asked[0]; q.Question != "Which colour for billing?" || q.Output != "colour" || q.RunID != "run-esc" {
		t.Errorf("question = %+v", q)
	}

	saved, err := h.store.Load(context.Background(), "run-esc")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Pending == nil || saved.Pending.EscalationID != "esc-9" {
		t.Fatalf("saved Pending = %+v", saved.Pending)
	}
	if _, err := h.engine.Resume(context.Background(), saved); !errors.Is(err, ErrAwaitingAnswer) {
		t.Errorf("Resume() error = %v, want ErrAwaitingAnswer", err)
	}
	wrong := &models.Escalation{ID: "esc-other", Status: models.EscalationResponded, Response: "red"}
	if _, err := h.engine.ResumeWithAnswer(context.Background(), saved, wrong); !errors.Is(err, ErrEscalationMismatch) {
		t.Errorf("ResumeWithAnswer(wrong id) error = %v, want ErrEscalationMismatch", err)
	}

	answer := &models.Escalation{ID: "esc-9", RunID: "run-esc", Status: models.EscalationResponded, Response: "teal"}
	res, err = h.engine.ResumeWithAnswer(context.Background(), saved, answer)
	if err != nil {
		t.Fatalf("ResumeWithAnswer() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	if got := h.prompts(); !reflect.DeepEqual(got, []string{"paint teal"}) {
		t.Errorf("prompts = %q, want [paint teal]", got)
	}
	if len(decider.asked) != 1 {
		t.Errorf("decider asked %d times, want 1", len(decider.asked))
	}
	if res.State.Pending != nil {
		t.Error("Pending should be cleared after the answer")
	}
}

func TestEngine_ConfidentDecisionBindsAnswer(t *testing.T) {
	decider := &fakeDecider{outcomes: []*decision.Outcome{{
		Decision: &models.Decision{Answer: "us-east-1", Confidence: 0.9, Provenance: models.ProvenanceInference},
	}}}
	h := newHarness(t, provider.Echo, Config{}, func(d *Deps) { d.Decider = decider })
	def := mustParse(t, "name: region\nsteps:\n  - type: decision\n    question: where\n    output: region\n  - type: action\n    prompt: \"deploy {{ region }}\"\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	if got := h.prompts(); !reflect.DeepEqual(got, []string{"deploy us-east-1"}) {
		t.Errorf("prompts = %q", got)
	}
}

func TestEngine_SubWorkflow(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	child := mustParse(t, `
name: summarize
variables:
  topic: ""
steps:
  - type: action
    prompt: "summarize {{ topic }}"
    output: summary
`)
	if err := h.registry.Add(child); err != nil {
		t.Fatal(err)
	}
	parent := mustParse(t, `
name: report
variables:
  subject: graphs
steps:
  - type: invoke-workflow
    workflow: summarize
    with:
      topic: "{{ subject }}"
    output: result
  - type: action
    prompt: "final {{ result.summary }}"
`)

	res, err := h.engine.Run(context.Background(), parent, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	want := []string{"summarize graphs", "final summarize graphs"}
	if got := h.prompts(); !reflect.DeepEqual(got, want) {
		t.Errorf("prompts = %q, want %q", got, want)
	}
	if len(res.State.CallStack) != 0 {
		t.Errorf("CallStack = %v, want empty", res.State.CallStack)
	}
	if _, ok := res.State.Variables["topic"]; ok {
		t.Error("child variables leaked into the parent frame")
	}
}

func TestEngine_SubWorkflowCycleIsFatal(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	a := mustParse(t, "name: a\nsteps:\n  - type: invoke-workflow\n    workflow: b\n")
	b := mustParse(t, "name: b\nsteps:\n  - type: invoke-workflow\n    workflow: a\n")
	for _, def := range []*Definition{a, b} {
		if err := h.registry.Add(def); err != nil {
			t.Fatal(err)
		}
	}

	res, err := h.engine.Run(context.Background(), a, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusError || !errors.Is(res.Err, ErrCycle) {
		t.Errorf("Status = %q Err = %v, want error/ErrCycle", res.Status, res.Err)
	}
}

func TestEngine_ActionInWorkspace(t *testing.T) {
	ws := &fakeWorkspaces{spaces: map[string]*models.Workspace{}}
	h := newHarness(t, provider.Echo, Config{}, func(d *Deps) { d.Workspaces = ws })
	def := mustParse(t, "name: coder\nsteps:\n  - type: action\n    prompt: implement\n    workspace: \"unit-{{ run_id }}\"\n")

	res, err := h.engine.Run(context.Background(), def, nil, WithRunID("r1"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	calls := h.scripted.Calls()
	if len(calls) != 1 || calls[0].Request.WorkDir != "/work/unit-r1" {
		t.Errorf("calls = %+v, want one call in /work/unit-r1", calls)
	}
	if !reflect.DeepEqual(ws.finalized, []string{"unit-r1"}) {
		t.Errorf("finalized = %v, want [unit-r1]", ws.finalized)
	}
}

func TestEngine_WorkspaceReopenedOnLoop(t *testing.T) {
	ws := &fakeWorkspaces{spaces: map[string]*models.Workspace{}}
	h := newHarness(t, provider.Replies("first pass", "second pass"), Config{}, func(d *Deps) { d.Workspaces = ws })
	def := mustParse(t, `
name: rework
steps:
  - type: action
    prompt: implement
    workspace: "unit-{{ run_id }}"
    output: result
  - type: conditional
    if: "result == 'first pass'"
    then: 0
`)

	res, err := h.engine.Run(context.Background(), def, nil, WithRunID("r2"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	if ws.created != 1 {
		t.Errorf("created = %d, want 1", ws.created)
	}
	if !reflect.DeepEqual(ws.reopened, []string{"unit-r2"}) {
		t.Errorf("reopened = %v, want [unit-r2]", ws.reopened)
	}
	if !reflect.DeepEqual(ws.finalized, []string{"unit-r2", "unit-r2"}) {
		t.Errorf("finalized = %v, want two passes", ws.finalized)
	}
}

func TestEngine_WorkspaceAbandonedOnFailure(t *testing.T) {
	ws := &fakeWorkspaces{spaces: map[string]*models.Workspace{}}
	script := func(context.Context, string, provider.Request) (*provider.Response, error) {
		return nil, retry.Mark(retry.KindAuth, errors.New("401"))
	}
	h := newHarness(t, script, Config{}, func(d *Deps) { d.Workspaces = ws })
	def := mustParse(t, "name: coder\nsteps:\n  - type: action\n    prompt: implement\n    workspace: unit-a\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if !reflect.DeepEqual(ws.abandoned, []string{"unit-a"}) {
		t.Errorf("abandoned = %v, want [unit-a]", ws.abandoned)
	}
	if len(ws.finalized) != 0 {
		t.Errorf("finalized = %v, want none", ws.finalized)
	}

	// A later run on the same unit starts from a fresh copy.
	h2 := newHarness(t, provider.Echo, Config{}, func(d *Deps) { d.Workspaces = ws })
	res, err = h2.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Errorf("second Status = %q (err %v)", res.Status, res.Err)
	}
	if ws.created != 2 {
		t.Errorf("created = %d, want 2", ws.created)
	}
}

func TestEngine_StreamingActionPublishesChunks(t *testing.T) {
	h := newHarness(t, provider.Replies("hello streaming world"), Config{})
	def := mustParse(t, "name: live\nsteps:\n  - type: action\n    prompt: talk\n    stream: true\n    output: said\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	if got := res.State.Variables["said"]; got != "hello streaming world" {
		t.Errorf("said = %v, want the full response", got)
	}

	h.events.mu.Lock()
	var chunks []string
	for _, ev := range h.events.events {
		if ev.Type == events.StepOutput {
			chunks = append(chunks, ev.Message)
		}
	}
	h.events.mu.Unlock()
	if len(chunks) != 3 || strings.Join(chunks, "") != "hello streaming world" {
		t.Errorf("chunks = %q, want three pieces of the response", chunks)
	}
}

func TestEngine_JSONOutput(t *testing.T) {
	h := newHarness(t, provider.Replies("```json\n{\"count\": 2}\n```", "ok"), Config{})
	def := mustParse(t, "name: js\nsteps:\n  - type: action\n    prompt: count\n    format: json\n    output: data\n  - type: action\n    prompt: \"n={{ data.count }}\"\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.RunStatusCompleted {
		t.Fatalf("Status = %q (err %v)", res.Status, res.Err)
	}
	if got := h.prompts()[1]; got != "n=2" {
		t.Errorf("second prompt = %q, want n=2", got)
	}
}

func TestEngine_CustomStepType(t *testing.T) {
	RegisterStepType("shout-test", nil)
	h := newHarness(t, provider.Echo, Config{})
	h.engine.Handle("shout-test", func(_ context.Context, sc *StepContext) (*StepResult, error) {
		text, _ := sc.Step.Params["text"].(string)
		return &StepResult{Bind: map[string]any{"loud": strings.ToUpper(text)}}, nil
	})
	def := mustParse(t, "name: custom\nsteps:\n  - type: shout-test\n    params:\n      text: hello\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := res.State.Variables["loud"]; got != "HELLO" {
		t.Errorf("loud = %v, want HELLO", got)
	}
}

func TestEngine_StartAndResumeErrors(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	def := mustParse(t, "name: small\nsteps:\n  - type: checkpoint\n")

	lease, err := h.store.Lock("run-held")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Run(context.Background(), def, nil, WithRunID("run-held")); !errors.Is(err, state.ErrRunLocked) {
		t.Errorf("Run() on a leased run error = %v, want ErrRunLocked", err)
	}
	lease.Release()

	if _, err := h.engine.Run(context.Background(), def, map[string]any{VarRunID: "x"}); err == nil {
		t.Error("Run() should reject built-in variable overrides")
	}

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Resume(context.Background(), res.State); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Resume(completed) error = %v, want ErrRunFinished", err)
	}

	orphan := models.NewWorkflowState("run-orphan", "not-registered", nil)
	if _, err := h.engine.Resume(context.Background(), orphan); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("Resume(unknown workflow) error = %v, want ErrUnknownWorkflow", err)
	}
}

func TestEngine_ActivityRecordsUsage(t *testing.T) {
	h := newHarness(t, provider.Echo, Config{})
	def := mustParse(t, "name: usage\nsteps:\n  - type: action\n    prompt: three word prompt\n")

	res, err := h.engine.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatal(err)
	}
	act := res.State.TaskActivity[0]
	if act.TaskID == "" || act.Provider != provider.ScriptedName {
		t.Errorf("activity = %+v, want task id and scripted provider", act)
	}
	if act.InputTokens != 3 || act.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 3/3", act.InputTokens, act.OutputTokens)
	}
	if act.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", act.Attempt)
	}
}
