package lifecycle

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

// worktreeAllocator manages one git worktree/branch pair per active
// persistent agent under worktreeRoot (spec.md §6 "Persistence layout").
// Ephemeral roles skip allocation entirely and share repoPath directly.
// Grounded on the orchestrator.go worktree.Manager pattern from the
// taintfactory reference (other_examples): explicit add/remove-before-
// branch-delete ordering, exec.Command with cmd.Dir/CombinedOutput for
// error context, built here directly on os/exec rather than a wrapping
// library since no example repo in the pack vendors a git-porcelain
// client — real `git` on PATH is the only dependency.
type worktreeAllocator struct {
	repoPath     string
	worktreeRoot string
}

func newWorktreeAllocator(repoPath, worktreeRoot string) *worktreeAllocator {
	return &worktreeAllocator{repoPath: repoPath, worktreeRoot: worktreeRoot}
}

// allocate creates a dedicated worktree and branch for a persistent agent,
// or returns the shared repo root unmodified for an ephemeral one.
func (w *worktreeAllocator) allocate(roleCfg config.AgentRoleConfig, agentID string) (branch, path *string, tag registry.LifecycleTag, err error) {
	if roleCfg.Ephemeral {
		root := w.repoPath
		return nil, &root, registry.LifecycleEphemeral, nil
	}

	branchName := "squadron/" + agentID
	worktreePath := filepath.Join(w.worktreeRoot, agentID)

	if err := w.git(w.repoPath, "worktree", "add", "-b", branchName, worktreePath, "HEAD"); err != nil {
		return nil, nil, "", fmt.Errorf("git worktree add: %w", err)
	}
	return &branchName, &worktreePath, registry.LifecyclePersistent, nil
}

// release removes a persistent agent's worktree and branch. Best-effort:
// failures are swallowed by the caller (matching tarsy's orphan-cleanup
// style of logging and moving on rather than blocking a terminal
// transition on filesystem cleanup). Worktree removal always precedes the
// branch delete — git refuses to delete a branch still checked out in a
// worktree.
func (w *worktreeAllocator) release(a *registry.Agent) {
	if a.LifecycleTag != registry.LifecyclePersistent || a.WorktreePath == nil {
		return
	}
	if err := w.git(w.repoPath, "worktree", "remove", "--force", *a.WorktreePath); err != nil {
		_ = err // best-effort; a stale worktree dir is a disk-hygiene issue, not a correctness one
	}
	if a.Branch != nil {
		_ = w.git(w.repoPath, "branch", "-D", *a.Branch)
	}
}

func (w *worktreeAllocator) git(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return nil
}
