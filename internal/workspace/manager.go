// Package workspace gives each unit of work its own branch-scoped working copy.
package workspace

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// DefaultBranchPrefix namespaces workspace branches.
const DefaultBranchPrefix = "agentorch/"

var (
	// ErrAlreadyExists is returned by Create when the unit already has a live workspace.
	ErrAlreadyExists = errors.New("workspace already exists")
	// ErrNotFound is returned when no workspace is registered for a unit.
	ErrNotFound = errors.New("workspace not found")
	// ErrInvalidUnitID is returned for ids that cannot name a branch and directory.
	ErrInvalidUnitID = errors.New("invalid unit id")
)

// Error carries the operation and unit a workspace failure belongs to.
type Error struct {
	Op     string
	UnitID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workspace %s %q: %v", e.Op, e.UnitID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var unitIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config configures a Manager.
type Config struct {
	// BaseDir is where working copies are created, one directory per unit.
	BaseDir string
	// BranchPrefix is prepended to the unit id to name its branch.
	BranchPrefix string
	// BaseRef is the reference new branches start from. Empty means HEAD.
	BaseRef string
}

// Manager tracks workspaces by unit id.
type Manager struct {
	backend Backend
	cfg     Config

	mu         sync.Mutex
	workspaces map[string]*models.Workspace
}

// NewManager creates a manager over backend.
func NewManager(backend Backend, cfg Config) *Manager {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = DefaultBranchPrefix
	}
	if cfg.BaseRef == "" {
		cfg.BaseRef = "HEAD"
	}
	return &Manager{
		backend:    backend,
		cfg:        cfg,
		workspaces: make(map[string]*models.Workspace),
	}
}

// BaseDir returns the directory working copies live in.
func (m *Manager) BaseDir() string { return m.cfg.BaseDir }

// Create makes a working copy for unitID. It fails with ErrAlreadyExists while
// a previous workspace for the id is active or finalized, and leaves that
// workspace untouched. An abandoned workspace is replaced.
func (m *Manager) Create(unitID string) (*models.Workspace, error) {
	if !unitIDPattern.MatchString(unitID) {
		return nil, &Error{Op: "create", UnitID: unitID, Err: ErrInvalidUnitID}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[unitID]; ok && ws.Status != models.WorkspaceAbandoned {
		return nil, &Error{Op: "create", UnitID: unitID, Err: fmt.Errorf("%w (status %s)", ErrAlreadyExists, ws.Status)}
	}

	ws := &models.Workspace{
		UnitID:  unitID,
		Path:    filepath.Join(m.cfg.BaseDir, unitID),
		Branch:  m.cfg.BranchPrefix + unitID,
		BaseRef: m.cfg.BaseRef,
		Status:  models.WorkspaceActive,
	}
	if err := m.backend.CreateIsolatedCopy(ws.Path, ws.Branch, ws.BaseRef); err != nil {
		return nil, &Error{Op: "create", UnitID: unitID, Err: err}
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	m.workspaces[unitID] = ws

	log.Printf("[workspace] created %s at %s on %s", unitID, ws.Path, ws.Branch)
	out := *ws
	return &out, nil
}

// Get returns the workspace registered for unitID.
func (m *Manager) Get(unitID string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[unitID]
	if !ok {
		return nil, &Error{Op: "get", UnitID: unitID, Err: ErrNotFound}
	}
	out := *ws
	return &out, nil
}

// List returns all registered workspaces ordered by unit id.
func (m *Manager) List() []*models.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		c := *ws
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// Finalize publishes the workspace branch and marks it finalized. The working
// copy stays until Destroy.
func (m *Manager) Finalize(unitID string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[unitID]
	if !ok {
		return nil, &Error{Op: "finalize", UnitID: unitID, Err: ErrNotFound}
	}
	if ws.Status != models.WorkspaceActive {
		return nil, &Error{Op: "finalize", UnitID: unitID, Err: fmt.Errorf("workspace is %s", ws.Status)}
	}
	if err := m.backend.Push(ws.Path, ws.Branch); err != nil {
		return nil, &Error{Op: "finalize", UnitID: unitID, Err: err}
	}
	ws.Status = models.WorkspaceFinalized
	ws.UpdatedAt = time.Now().UTC()
	out := *ws
	return &out, nil
}

// Reopen returns a finalized workspace to active so more work can land on
// its branch. The working copy is the one Finalize left in place.
func (m *Manager) Reopen(unitID string) (*models.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[unitID]
	if !ok {
		return nil, &Error{Op: "reopen", UnitID: unitID, Err: ErrNotFound}
	}
	switch ws.Status {
	case models.WorkspaceActive:
	case models.WorkspaceFinalized:
		ws.Status = models.WorkspaceActive
		ws.UpdatedAt = time.Now().UTC()
		log.Printf("[workspace] reopened %s", unitID)
	default:
		return nil, &Error{Op: "reopen", UnitID: unitID, Err: fmt.Errorf("workspace is %s", ws.Status)}
	}
	out := *ws
	return &out, nil
}

// Abandon marks the workspace abandoned and removes its copy. A removal
// failure is logged, not returned: the work is already given up.
func (m *Manager) Abandon(unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[unitID]
	if !ok {
		return &Error{Op: "abandon", UnitID: unitID, Err: ErrNotFound}
	}
	ws.Status = models.WorkspaceAbandoned
	ws.UpdatedAt = time.Now().UTC()
	if err := m.backend.Remove(ws.Path, ws.Branch); err != nil {
		log.Printf("[workspace] cleanup of abandoned %s failed: %v", unitID, err)
	}
	return nil
}

// Destroy removes the working copy and its branch, then forgets the workspace. Destroying an
// unknown or already destroyed unit is not an error.
func (m *Manager) Destroy(unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[unitID]
	if !ok {
		return nil
	}
	if err := m.backend.Remove(ws.Path, ws.Branch); err != nil {
		if ws.Status != models.WorkspaceAbandoned {
			return &Error{Op: "destroy", UnitID: unitID, Err: err}
		}
		log.Printf("[workspace] cleanup of abandoned %s failed: %v", unitID, err)
	}
	delete(m.workspaces, unitID)
	log.Printf("[workspace] destroyed %s", unitID)
	return nil
}

// Recover registers working copies left by an earlier process. Copies are
// matched by living under BaseDir on a prefixed branch and come back active.
// It returns the number of workspaces added.
func (m *Manager) Recover() (int, error) {
	lister, ok := m.backend.(Lister)
	if !ok {
		return 0, nil
	}
	copies, err := lister.ListCopies()
	if err != nil {
		return 0, &Error{Op: "recover", Err: err}
	}

	base := filepath.Clean(m.cfg.BaseDir)

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, c := range copies {
		if !strings.HasPrefix(c.Branch, m.cfg.BranchPrefix) || filepath.Dir(filepath.Clean(c.Path)) != base {
			continue
		}
		unitID := strings.TrimPrefix(c.Branch, m.cfg.BranchPrefix)
		if _, known := m.workspaces[unitID]; known {
			continue
		}
		now := time.Now().UTC()
		m.workspaces[unitID] = &models.Workspace{
			UnitID:    unitID,
			Path:      c.Path,
			Branch:    c.Branch,
			Status:    models.WorkspaceActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		added++
	}
	if added > 0 {
		log.Printf("[workspace] recovered %d workspace(s)", added)
	}
	return added, nil
}
