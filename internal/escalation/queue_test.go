package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

type fakeController struct {
	mu        sync.Mutex
	paused    []string
	resumed   []string
	answers   map[string]string
	resumeErr error
}

func newFakeController() *fakeController {
	return &fakeController{answers: make(map[string]string)}
}

func (c *fakeController) PauseRun(_ context.Context, runID, escID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = append(c.paused, runID+"/"+escID)
	return nil
}

func (c *fakeController) ResumeRun(_ context.Context, runID string, esc *models.Escalation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeErr != nil {
		return c.resumeErr
	}
	c.resumed = append(c.resumed, runID)
	c.answers[runID] = esc.Response
	return nil
}

func (c *fakeController) resumedRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resumed...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []*models.Decision
}

func (r *fakeRecorder) Record(_ context.Context, d *models.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *fakeController, *fakeRecorder) {
	t.Helper()
	ctrl := newFakeController()
	rec := &fakeRecorder{}
	q, err := NewQueue(t.TempDir(), WithController(ctrl), WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	return q, ctrl, rec
}

func addEscalation(t *testing.T, q *Queue, runID string) string {
	t.Helper()
	id, err := q.Add(context.Background(), &models.Escalation{
		RunID:        runID,
		Step:         2,
		Question:     "Which region?",
		AIAnswer:     "maybe us-east-1",
		AIConfidence: 0.4,
		Context:      "deploy target",
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return id
}

func TestQueue_AddPersistsPendingAndPausesRun(t *testing.T) {
	q, ctrl, _ := newTestQueue(t)
	id := addEscalation(t, q, "run-1")

	esc, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if esc.Status != models.EscalationPending {
		t.Errorf("Status = %q, want pending", esc.Status)
	}
	if esc.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if len(ctrl.paused) != 1 || ctrl.paused[0] != "run-1/"+id {
		t.Errorf("paused = %v", ctrl.paused)
	}
}

func TestQueue_RespondResumesOnlyOwningRun(t *testing.T) {
	q, ctrl, rec := newTestQueue(t)
	id1 := addEscalation(t, q, "run-1")
	id2 := addEscalation(t, q, "run-2")

	esc, err := q.Respond(context.Background(), id2, "eu-west-1")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if esc.Status != models.EscalationResolved {
		t.Errorf("Status = %q, want resolved", esc.Status)
	}

	resumed := ctrl.resumedRuns()
	if len(resumed) != 1 || resumed[0] != "run-2" {
		t.Errorf("resumed = %v, want [run-2]", resumed)
	}
	if ctrl.answers["run-2"] != "eu-west-1" {
		t.Errorf("answer = %q", ctrl.answers["run-2"])
	}

	other, _ := q.Get(id1)
	if other.Status != models.EscalationPending {
		t.Errorf("unrelated escalation status = %q, want pending", other.Status)
	}

	stored, _ := q.Get(id2)
	if stored.Response != "eu-west-1" || stored.RespondedAt == nil || stored.ResolvedAt == nil {
		t.Errorf("stored = %+v", stored)
	}

	if len(rec.decisions) != 1 || rec.decisions[0].Provenance != models.ProvenanceHumanResponse {
		t.Errorf("recorded decisions = %+v", rec.decisions)
	}
}

func TestQueue_RespondErrors(t *testing.T) {
	q, _, _ := newTestQueue(t)
	id := addEscalation(t, q, "run-1")

	if _, err := q.Respond(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Respond(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := q.Respond(context.Background(), id, "first"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if _, err := q.Respond(context.Background(), id, "second"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second Respond() error = %v, want ErrNotPending", err)
	}
}

func TestQueue_ConcurrentRespondAnswersOnce(t *testing.T) {
	q, ctrl, _ := newTestQueue(t)
	id := addEscalation(t, q, "run-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Respond(context.Background(), id, "yes"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful responses = %d, want 1", successes)
	}
	if got := ctrl.resumedRuns(); len(got) != 1 {
		t.Errorf("resumed = %v, want one resume", got)
	}
}

func TestQueue_RetryRedrivesRespondedRecords(t *testing.T) {
	q, ctrl, _ := newTestQueue(t)
	id := addEscalation(t, q, "run-1")

	ctrl.resumeErr = errors.New("process going down")
	if _, err := q.Respond(context.Background(), id, "ok"); err == nil {
		t.Fatal("Respond() should surface the resume failure")
	}
	esc, _ := q.Get(id)
	if esc.Status != models.EscalationResponded {
		t.Fatalf("Status = %q, want responded", esc.Status)
	}

	ctrl.resumeErr = nil
	n, err := q.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Retry() resolved %d, want 1", n)
	}
	esc, _ = q.Get(id)
	if esc.Status != models.EscalationResolved {
		t.Errorf("Status after Retry = %q, want resolved", esc.Status)
	}
	if ctrl.answers["run-1"] != "ok" {
		t.Errorf("resumed answer = %q, want ok", ctrl.answers["run-1"])
	}
}

func TestQueue_ListFilters(t *testing.T) {
	q, _, _ := newTestQueue(t)
	a := addEscalation(t, q, "run-1")
	time.Sleep(2 * time.Millisecond)
	addEscalation(t, q, "run-1")
	time.Sleep(2 * time.Millisecond)
	addEscalation(t, q, "run-2")
	if _, err := q.Respond(context.Background(), a, "done"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"pending", Filter{Status: models.EscalationPending}, 2},
		{"resolved", Filter{Status: models.EscalationResolved}, 1},
		{"run-1", Filter{RunID: "run-1"}, 2},
		{"run-2 pending", Filter{RunID: "run-2", Status: models.EscalationPending}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.List(tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len(List()) = %d, want %d", len(got), tt.want)
			}
		})
	}

	all, _ := q.List(Filter{})
	if all[0].ID != a {
		t.Errorf("List() should be oldest first, got %s first", all[0].ID)
	}
}

func TestQueue_AddRequiresRunID(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if _, err := q.Add(context.Background(), &models.Escalation{Question: "q"}); err == nil {
		t.Error("Add() without run id should fail")
	}
}
