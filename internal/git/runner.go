package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// RepoPath returns the repository the runner operates on.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

// run executes a git command and returns its output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	_, err := r.run(args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// WorktreeAddNewBranch creates a new worktree with a new branch started at base.
func (r *ExecRunner) WorktreeAddNewBranch(path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	return r.runSilent(args...)
}

// WorktreeRemove removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreeUnlock unlocks a locked worktree.
func (r *ExecRunner) WorktreeUnlock(path string) error {
	return r.runSilent("worktree", "unlock", path)
}

// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePruneExpireNow prunes worktrees with --expire now.
func (r *ExecRunner) WorktreePruneExpireNow() error {
	return r.runSilent("worktree", "prune", "--expire", "now")
}

// HasRemote reports whether the named remote is configured.
func (r *ExecRunner) HasRemote(name string) (bool, error) {
	out, err := r.run("remote")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true, nil
		}
	}
	return false, nil
}

// Push pushes branch to remote and sets its upstream.
func (r *ExecRunner) Push(remote, branch string) error {
	return r.runSilent("push", "--set-upstream", remote, branch)
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
