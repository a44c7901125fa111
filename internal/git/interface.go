// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path on a new branch started
	// at base (git worktree add -b <branch> <path> <base>). An empty base uses HEAD.
	WorktreeAddNewBranch(path, branch, base string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeUnlock unlocks a locked worktree.
	WorktreeUnlock(path string) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes worktrees with --expire now.
	WorktreePruneExpireNow() error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// HasRemote reports whether a remote with the given name is configured.
	HasRemote(name string) (bool, error)
	// Push pushes branch to remote and sets its upstream.
	Push(remote, branch string) error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	BranchOperations
	WorktreeOperations
	RemoteOperations
	// Run executes an arbitrary git command with the given arguments.
	// Returns the command output and an error if the command fails.
	Run(args ...string) (string, error)
}
