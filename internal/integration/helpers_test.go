//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/audit"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/decision"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/orchestrator"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/workflow"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

const greetYAML = `
name: greet
variables:
  who: world
steps:
  - type: action
    prompt: "hello {{ who }}"
    output: greeting
  - type: action
    prompt: "bye {{ who }}"
    output: farewell
`

const paintYAML = `
name: paint
steps:
  - type: decision
    question: "Which colour should the fence be?"
    output: colour
  - type: action
    prompt: "paint {{ colour }}"
    output: painted
`

// guessingClient answers every question without enough context to be trusted.
type guessingClient struct{}

func (guessingClient) Complete(context.Context, provider.Request) (*provider.Response, error) {
	return &provider.Response{Text: "ANSWER: maybe blue\nREASONING: nothing to go on"}, nil
}

type lowScore struct{}

func (lowScore) Score(decision.Question, string) decision.Score {
	return decision.Score{Confidence: 0.1}
}

// system is one process worth of wired components.
type system struct {
	store    state.Store
	queue    *escalation.Queue
	auditDB  *audit.DB
	scripted *provider.Scripted
	orch     *orchestrator.Orchestrator
}

// newSystem wires the components over store, as a fresh process would.
func newSystem(t *testing.T, store state.Store, queueDir string) *system {
	t.Helper()

	db, err := audit.OpenAndMigrate(audit.DefaultPath(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenAndMigrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	queue, err := escalation.NewQueue(queueDir, escalation.WithRecorder(db))
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}

	registry := workflow.NewRegistry()
	for _, doc := range []string{greetYAML, paintYAML} {
		def, err := workflow.Parse([]byte(doc), workflow.DocYAML)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if err := registry.Add(def); err != nil {
			t.Fatal(err)
		}
	}

	factory := provider.NewFactory()
	sp := provider.NewScripted("", nil)
	factory.Register(sp)

	engine := workflow.New(workflow.Deps{
		Registry: registry,
		Store:    store,
		Executor: pool.New(factory, pool.Config{MaxConcurrent: 2, DefaultTimeout: 5 * time.Second}),
		Decider:  decision.New(guessingClient{}, queue, decision.WithScorer(lowScore{}), decision.WithRecorder(db)),
		Policy: &retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Sleep:       retry.SleepContext,
		},
	}, workflow.Config{DefaultProvider: provider.ScriptedName})

	orch, err := orchestrator.New(orchestrator.Config{Engine: engine, Store: store, Queue: queue})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	t.Cleanup(orch.Stop)

	return &system{store: store, queue: queue, auditDB: db, scripted: sp, orch: orch}
}

func (s *system) prompts() []string {
	var out []string
	for _, c := range s.scripted.Calls() {
		out = append(out, c.Request.Prompt)
	}
	return out
}

// waitForStatus polls the store until runID reaches want.
func waitForStatus(t *testing.T, store state.Store, runID string, want models.RunStatus) *models.WorkflowState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := store.Load(context.Background(), runID)
		if err == nil && st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("run %s: %v", runID, err)
			}
			t.Fatalf("run %s status = %q, want %q", runID, st.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
