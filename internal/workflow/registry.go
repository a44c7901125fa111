package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownWorkflow is returned when a definition name is not registered.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrDuplicateWorkflow is returned when registering a name twice.
	ErrDuplicateWorkflow = errors.New("workflow already registered")
)

// Registry holds parsed definitions by name. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Add registers def under its name.
func (r *Registry) Add(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered as name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir parses every .yaml, .yml and .json file in dir and registers the
// results, then checks that every invoked sub-workflow is known. It returns
// the number of definitions loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read workflow directory: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Add(def); err != nil {
			return loaded, fmt.Errorf("%s: %w", e.Name(), err)
		}
		loaded++
	}
	if err := r.Validate(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// Validate reports the first definition that invokes an unregistered workflow.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := r.defs[name]
		for _, callee := range def.invokes {
			if _, ok := r.defs[callee]; !ok {
				return &ParseError{
					Source: def.source,
					Step:   -1,
					Field:  "workflow",
					Err:    fmt.Errorf("%s invokes %w: %s", name, ErrUnknownWorkflow, callee),
				}
			}
		}
	}
	return nil
}
