// Package state persists workflow run snapshots so runs survive crashes.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

var (
	// ErrNotFound is returned when no snapshot exists for a run.
	ErrNotFound = errors.New("run state not found")
	// ErrCorrupt is returned when a snapshot exists but cannot be decoded.
	ErrCorrupt = errors.New("run state corrupt")
	// ErrRunLocked is returned when another writer holds the run's lease.
	ErrRunLocked = errors.New("run is locked by another writer")
)

// CorruptionError describes a snapshot that could not be decoded.
// It matches ErrCorrupt with errors.Is.
type CorruptionError struct {
	RunID    string
	Location string
	Err      error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("run %s: state at %s is corrupt: %v", e.RunID, e.Location, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCorrupt.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Snapshotter reads and writes run snapshots.
type Snapshotter interface {
	// Save replaces the run's snapshot atomically.
	Save(ctx context.Context, st *models.WorkflowState) error
	// Load returns the run's snapshot, active or archived.
	Load(ctx context.Context, runID string) (*models.WorkflowState, error)
}

// Lister enumerates runs.
type Lister interface {
	// ListActive returns every non-archived run. Corrupt snapshots are skipped.
	ListActive(ctx context.Context) ([]*models.WorkflowState, error)
	// ListArchived returns every archived run. Corrupt snapshots are skipped.
	ListArchived(ctx context.Context) ([]*models.WorkflowState, error)
}

// Store is the full persistence contract for run snapshots.
type Store interface {
	Snapshotter
	Lister
	// Archive moves a finished run out of the active set. Archiving twice is not an error.
	Archive(ctx context.Context, runID string) error
	// Lock takes the single-writer lease for runID.
	Lock(runID string) (*Lease, error)
}

// Lease is a held single-writer lock on one run.
type Lease struct {
	runID string
	owner *Locker
	once  sync.Once
}

// RunID returns the leased run.
func (l *Lease) RunID() string { return l.runID }

// Release frees the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.runID)
		l.owner.mu.Unlock()
	})
}

// Locker hands out in-process run leases.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// Lock takes the lease for runID or returns ErrRunLocked.
func (l *Locker) Lock(runID string) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[runID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	l.held[runID] = struct{}{}
	return &Lease{runID: runID, owner: l}, nil
}

// Held reports whether runID is currently leased.
func (l *Locker) Held(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[runID]
	return ok
}

// validate rejects snapshots that decoded but are missing required fields.
func validate(st *models.WorkflowState) error {
	if st.RunID == "" {
		return errors.New("missing runId")
	}
	if st.WorkflowName == "" {
		return errors.New("missing workflowName")
	}
	if !st.Status.Valid() {
		return fmt.Errorf("unknown status %q", st.Status)
	}
	return nil
}
