package workspace

import (
	"log"
	"os"
	"path/filepath"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/git"
)

// Backend is the version-control contract the manager needs.
type Backend interface {
	// CreateIsolatedCopy materializes a working copy at path on a new branch started at baseRef.
	CreateIsolatedCopy(path, branch, baseRef string) error
	// Push publishes branch from the copy at path.
	Push(path, branch string) error
	// Remove deletes the copy at path and its local branch.
	Remove(path, branch string) error
}

// Copy is an isolated copy a backend already knows about.
type Copy struct {
	Path   string
	Branch string
}

// Lister is implemented by backends that can enumerate existing copies.
// The manager uses it to re-register workspaces after a restart.
type Lister interface {
	ListCopies() ([]Copy, error)
}

// GitBackend implements Backend with git worktrees.
type GitBackend struct {
	git    git.Runner
	remote string
}

// Verify GitBackend implements Backend and Lister at compile time.
var (
	_ Backend = (*GitBackend)(nil)
	_ Lister  = (*GitBackend)(nil)
)

// NewGitBackend creates a backend over the repository behind runner.
// An empty remote means "origin".
func NewGitBackend(runner git.Runner, remote string) *GitBackend {
	if remote == "" {
		remote = "origin"
	}
	return &GitBackend{git: runner, remote: remote}
}

// CreateIsolatedCopy adds a worktree on a new branch.
func (b *GitBackend) CreateIsolatedCopy(path, branch, baseRef string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return b.git.WorktreeAddNewBranch(path, branch, baseRef)
}

// Push pushes branch to the configured remote. A repository without that
// remote has nowhere to publish to, so the push is skipped.
func (b *GitBackend) Push(_ string, branch string) error {
	ok, err := b.git.HasRemote(b.remote)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[workspace] no remote %q, keeping %s local", b.remote, branch)
		return nil
	}
	return b.git.Push(b.remote, branch)
}

// Remove force-removes the worktree, falling back to deleting the directory
// when git has lost track of it, then deletes the local branch so the unit
// id can be reused.
func (b *GitBackend) Remove(path, branch string) error {
	if err := b.removeWorktree(path); err != nil {
		return err
	}
	if branch == "" {
		return nil
	}
	exists, err := b.git.BranchExists(branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return b.git.DeleteBranch(branch)
}

func (b *GitBackend) removeWorktree(path string) error {
	_ = b.git.WorktreeUnlock(path) // may not be locked

	if err := b.git.WorktreeRemove(path); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_ = b.git.WorktreePruneExpireNow()
			return nil
		}
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return err
		}
	}
	// DeleteBranch refuses a branch git still thinks is checked out.
	_ = b.git.WorktreePruneExpireNow()
	return nil
}

// ListCopies returns every worktree of the repository that is on a branch.
func (b *GitBackend) ListCopies() ([]Copy, error) {
	out, err := b.git.WorktreeListPorcelain()
	if err != nil {
		return nil, err
	}
	worktrees, err := git.ParseWorktreeList(out)
	if err != nil {
		return nil, err
	}
	copies := make([]Copy, 0, len(worktrees))
	for _, wt := range worktrees {
		if wt.Branch == "" || wt.Prunable {
			continue
		}
		copies = append(copies, Copy{Path: wt.Path, Branch: wt.Branch})
	}
	return copies, nil
}
