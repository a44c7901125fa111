package state

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

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/fsutil"
	"github.com/CSmithy89/agent-orchestrator-sub004/pkg/models"
)

// FileStore keeps one JSON document per run under <dir>/active, moving
// finished runs to <dir>/archive.
type FileStore struct {
	dir    string
	locker *Locker
}

// NewFileStore creates the store directories under dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"active", "archive"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return &FileStore{dir: dir, locker: NewLocker()}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) activePath(runID string) string {
	return filepath.Join(s.dir, "active", runID+".json")
}

func (s *FileStore) archivePath(runID string) string {
	return filepath.Join(s.dir, "archive", runID+".json")
}

// Save writes the snapshot with a temp-file-and-rename so readers never see
// a partial document.
func (s *FileStore) Save(_ context.Context, st *models.WorkflowState) error {
	if err := checkRunID(st.RunID); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(s.activePath(st.RunID), st); err != nil {
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}
	return nil
}

// Load returns the active snapshot, falling back to the archive.
func (s *FileStore) Load(_ context.Context, runID string) (*models.WorkflowState, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	st, err := readSnapshot(runID, s.activePath(runID))
	if errors.Is(err, ErrNotFound) {
		return readSnapshot(runID, s.archivePath(runID))
	}
	return st, err
}

// ListActive returns active runs ordered by start time.
func (s *FileStore) ListActive(_ context.Context) ([]*models.WorkflowState, error) {
	return s.list(filepath.Join(s.dir, "active"))
}

// ListArchived returns archived runs ordered by start time.
func (s *FileStore) ListArchived(_ context.Context) ([]*models.WorkflowState, error) {
	return s.list(filepath.Join(s.dir, "archive"))
}

func (s *FileStore) list(dir string) ([]*models.WorkflowState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []*models.WorkflowState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		runID := strings.TrimSuffix(name, ".json")
		st, err := readSnapshot(runID, filepath.Join(dir, name))
		if err != nil {
			log.Printf("[state] skipping run %s: %v", runID, err)
			continue
		}
		out = append(out, st)
	}
	sortByStart(out)
	return out, nil
}

// Archive moves the run's snapshot into the archive directory.
func (s *FileStore) Archive(_ context.Context, runID string) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	err := os.Rename(s.activePath(runID), s.archivePath(runID))
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(s.archivePath(runID)); statErr == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return fmt.Errorf("archive run %s: %w", runID, err)
}

// Lock takes the single-writer lease for runID.
func (s *FileStore) Lock(runID string) (*Lease, error) {
	return s.locker.Lock(runID)
}

func readSnapshot(runID, path string) (*models.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return decodeSnapshot(runID, path, data)
}

func decodeSnapshot(runID, location string, data []byte) (*models.WorkflowState, error) {
	var st models.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &CorruptionError{RunID: runID, Location: location, Err: err}
	}
	if err := validate(&st); err != nil {
		return nil, &CorruptionError{RunID: runID, Location: location, Err: err}
	}
	if st.Variables == nil {
		st.Variables = make(map[string]any)
	}
	return &st, nil
}

// checkRunID rejects ids that would escape the store directory.
func checkRunID(runID string) error {
	if runID == "" {
		return errors.New("run id required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func sortByStart(runs []*models.WorkflowState) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
}

var _ Store = (*FileStore)(nil)
