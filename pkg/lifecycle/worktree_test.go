package lifecycle

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron/squadron/pkg/config"
	"github.com/squadron/squadron/pkg/registry"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+filepath.Join(dir, "README.md")).Run())
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestWorktreeAllocateEphemeralSharesRepoPath(t *testing.T) {
	w := newWorktreeAllocator("/repo", "/worktrees")
	branch, path, tag, err := w.allocate(config.AgentRoleConfig{Ephemeral: true}, "reviewer-1-abc123")
	require.NoError(t, err)
	assert.Nil(t, branch)
	require.NotNil(t, path)
	assert.Equal(t, "/repo", *path)
	assert.Equal(t, registry.LifecycleEphemeral, tag)
}

func TestWorktreeAllocateAndReleasePersistent(t *testing.T) {
	repo := initGitRepo(t)
	worktreeRoot := t.TempDir()
	w := newWorktreeAllocator(repo, worktreeRoot)

	branch, path, tag, err := w.allocate(config.AgentRoleConfig{}, "reviewer-1-abc123")
	require.NoError(t, err)
	require.NotNil(t, branch)
	require.NotNil(t, path)
	assert.Equal(t, "squadron/reviewer-1-abc123", *branch)
	assert.Equal(t, filepath.Join(worktreeRoot, "reviewer-1-abc123"), *path)
	assert.Equal(t, registry.LifecyclePersistent, tag)
	assert.DirExists(t, *path)

	a := &registry.Agent{LifecycleTag: tag, WorktreePath: path, Branch: branch}
	w.release(a)
	assert.NoDirExists(t, *path)
}

func TestWorktreeReleaseNoopForEphemeral(t *testing.T) {
	w := newWorktreeAllocator("/repo", "/worktrees")
	path := "/repo"
	a := &registry.Agent{LifecycleTag: registry.LifecycleEphemeral, WorktreePath: &path}
	// Must not attempt a git worktree remove against the shared repo root.
	w.release(a)
}
