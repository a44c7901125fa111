// Package escalation holds low-confidence decisions until a human answers them.
//
// Records are JSON files, one per escalation, written atomically. A record
// moves pending -> responded -> resolved and is never deleted.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/audit"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/fsutil"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	// ErrNotFound is returned when no escalation has the given id.
	ErrNotFound = errors.New("escalation not found")
	// ErrNotPending is returned when answering an escalation that already has an answer.
	ErrNotPending = errors.New("escalation is not pending")
)

// RunController parks and resumes individual runs on behalf of the queue.
type RunController interface {
	// PauseRun parks exactly runID until escalationID is answered.
	PauseRun(ctx context.Context, runID, escalationID string) error
	// ResumeRun continues runID with the answered escalation.
	ResumeRun(ctx context.Context, runID string, esc *models.Escalation) error
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Status models.EscalationStatus
	RunID  string
}

// Queue persists escalations and routes answers back to their runs.
type Queue struct {
	dir string

	// mu serializes status transitions so an escalation is answered at most once.
	mu sync.Mutex

	ctrlMu     sync.RWMutex
	controller RunController

	recorder audit.Recorder
	metrics  metrics.DecisionMetrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder records human answers in the decision log.
func WithRecorder(r audit.Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithMetrics counts escalations.
func WithMetrics(m metrics.DecisionMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithController sets the run controller at construction.
func WithController(c RunController) Option {
	return func(q *Queue) { q.controller = c }
}

// NewQueue creates a queue storing records under dir.
func NewQueue(dir string, opts ...Option) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create escalation directory: %w", err)
	}
	q := &Queue{dir: dir, metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Dir returns the directory records are stored in.
func (q *Queue) Dir() string { return q.dir }

// SetController installs the run controller. The orchestrator is usually
// built after the queue, so it registers itself here.
func (q *Queue) SetController(c RunController) {
	q.ctrlMu.Lock()
	defer q.ctrlMu.Unlock()
	q.controller = c
}

func (q *Queue) runController() RunController {
	q.ctrlMu.RLock()
	defer q.ctrlMu.RUnlock()
	return q.controller
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// Add persists esc as pending and asks the controller to park its run.
// The record is durable before the run is paused.
func (q *Queue) Add(ctx context.Context, esc *models.Escalation) (string, error) {
	if esc.RunID == "" {
		return "", errors.New("escalation requires a run id")
	}
	if esc.ID == "" {
		esc.ID = uuid.New().String()[:8]
	}
	esc.Status = models.EscalationPending
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if _, err := os.Stat(q.path(esc.ID)); err == nil {
		q.mu.Unlock()
		return "", fmt.Errorf("escalation %s already exists", esc.ID)
	}
	err := fsutil.WriteJSONAtomic(q.path(esc.ID), esc)
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist escalation: %w", err)
	}

	q.metrics.IncEscalation()
	log.Printf("[escalation] %s added for run %s step %d (confidence %.2f)", esc.ID, esc.RunID, esc.Step, esc.AIConfidence)

	if c := q.runController(); c != nil {
		if err := c.PauseRun(ctx, esc.RunID, esc.ID); err != nil {
			return esc.ID, fmt.Errorf("pause run %s: %w", esc.RunID, err)
		}
	}
	return esc.ID, nil
}

// Respond records answer for a pending escalation and resumes its run.
// The record is persisted as responded before the run is resumed, and as
// resolved after. A crash in between is repaired by Retry.
func (q *Queue) Respond(ctx context.Context, id, answer string) (*models.Escalation, error) {
	q.mu.Lock()
	esc, err := q.load(id)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if esc.Status != models.EscalationPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, esc.Status)
	}
	now := time.Now().UTC()
	esc.Response = answer
	esc.RespondedAt = &now
	esc.Status = models.EscalationResponded
	err = fsutil.WriteJSONAtomic(q.path(id), esc)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist response: %w", err)
	}

	log.Printf("[escalation] %s answered for run %s", id, esc.RunID)
	if q.recorder != nil {
		if err := q.recorder.Record(ctx, esc.AsDecision()); err != nil {
			log.Printf("[escalation] failed to record answer for %s: %v", id, err)
		}
	}
	q.metrics.IncDecision(string(models.ProvenanceHumanResponse))

	return q.resolve(ctx, esc)
}

// resolve resumes the owning run and marks the record resolved.
func (q *Queue) resolve(ctx context.Context, esc *models.Escalation) (*models.Escalation, error) {
	if c := q.runController(); c != nil {
		if err := c.ResumeRun(ctx, esc.RunID, esc); err != nil {
			return esc, fmt.Errorf("resume run %s: %w", esc.RunID, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	esc.ResolvedAt = &now
	esc.Status = models.EscalationResolved
	if err := fsutil.WriteJSONAtomic(q.path(esc.ID), esc); err != nil {
		return esc, fmt.Errorf("persist resolution: %w", err)
	}
	return esc, nil
}

// Retry re-drives escalations that were answered but whose run never
// resumed, e.g. because the process died. It returns how many were resolved.
func (q *Queue) Retry(ctx context.Context) (int, error) {
	stuck, err := q.List(Filter{Status: models.EscalationResponded})
	if err != nil {
		return 0, err
	}
	resolved := 0
	var errs []error
	for _, esc := range stuck {
		if _, err := q.resolve(ctx, esc); err != nil {
			errs = append(errs, fmt.Errorf("escalation %s: %w", esc.ID, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

// Get returns the escalation with id.
func (q *Queue) Get(id string) (*models.Escalation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(id)
}

func (q *Queue) load(id string) (*models.Escalation, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read escalation %s: %w", id, err)
	}
	var esc models.Escalation
	if err := json.Unmarshal(data, &esc); err != nil {
		return nil, fmt.Errorf("decode escalation %s: %w", id, err)
	}
	return &esc, nil
}

// List returns escalations matching f, oldest first.
func (q *Queue) List(f Filter) ([]*models.Escalation, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read escalation directory: %w", err)
	}

	var out []*models.Escalation
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		esc, err := q.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			log.Printf("[escalation] skipping %s: %v", name, err)
			continue
		}
		if f.Status != "" && esc.Status != f.Status {
			continue
		}
		if f.RunID != "" && esc.RunID != f.RunID {
			continue
		}
		out = append(out, esc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
