//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/audit"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/state"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// TestInboxAnswer_ResumesRun answers an escalation by dropping a file in the
// inbox, the way another process would, and checks the run completes with it.
func TestInboxAnswer_ResumesRun(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sys := newSystem(t, store, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbox, err := escalation.NewInbox(sys.queue)
	if err != nil {
		t.Fatalf("NewInbox() error = %v", err)
	}
	inbox.Start(ctx)
	defer inbox.Close()

	runID, err := sys.orch.Start(ctx, "paint", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	res, err := sys.orch.Wait(waitCtx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.RunStatusPaused || res.EscalationID == "" {
		t.Fatalf("Status = %q escalation %q, want paused on an escalation", res.Status, res.EscalationID)
	}
	if res.State.Pending == nil || res.State.Pending.EscalationID != res.EscalationID {
		t.Errorf("Pending = %+v, want escalation %q", res.State.Pending, res.EscalationID)
	}

	if err := escalation.WriteAnswer(inbox.Dir(), res.EscalationID, "teal\n"); err != nil {
		t.Fatalf("WriteAnswer() error = %v", err)
	}

	st := waitForStatus(t, store, runID, models.RunStatusCompleted)
	if st.Variables["colour"] != "teal" || st.Variables["painted"] != "paint teal" {
		t.Errorf("variables = %v", st.Variables)
	}

	esc, err := sys.queue.Get(res.EscalationID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Status != models.EscalationResolved || esc.Response != "teal" {
		t.Errorf("escalation = %s %q, want resolved with teal", esc.Status, esc.Response)
	}

	human, err := sys.auditDB.List(ctx, audit.Filter{RunID: runID, Provenance: models.ProvenanceHumanResponse})
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	if len(human) != 1 || human[0].Answer != "teal" {
		t.Errorf("human decisions = %+v, want one answer teal", human)
	}
}

// TestEscalation_OnlyOwningRunWaits checks that one run waiting on a human
// does not hold up another.
func TestEscalation_OnlyOwningRunWaits(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sys := newSystem(t, store, t.TempDir())
	ctx := context.Background()

	paintID, err := sys.orch.Start(ctx, "paint", nil)
	if err != nil {
		t.Fatal(err)
	}
	greetID, err := sys.orch.Start(ctx, "greet", map[string]any{"who": "bo"})
	if err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, store, greetID, models.RunStatusCompleted)
	st := waitForStatus(t, store, paintID, models.RunStatusPaused)
	if st.Pending == nil {
		t.Fatal("paint run should be waiting on an escalation")
	}

	if _, err := sys.queue.Respond(ctx, st.Pending.EscalationID, "green"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	done := waitForStatus(t, store, paintID, models.RunStatusCompleted)
	if done.Variables["colour"] != "green" {
		t.Errorf("colour = %v, want green", done.Variables["colour"])
	}
}
