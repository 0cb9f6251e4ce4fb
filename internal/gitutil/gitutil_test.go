package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolvedTempDir returns a temp directory with symlinks resolved (e.g. /var -> /private/var on macOS).
func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

// initGitRepo creates a git repo in dir with an initial commit on "main".
func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "test@test.com")
	run(t, dir, "git", "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
}

func run(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "command %q failed: %s", append([]string{name}, args...), string(output))
}

func TestDetect_NotAGitRepo(t *testing.T) {
	dir := resolvedTempDir(t)
	ctx := Detect(dir)
	assert.False(t, ctx.IsGitRepo)
}

func TestDetect_RepoRootAndBranch(t *testing.T) {
	dir := resolvedTempDir(t)
	initGitRepo(t, dir)

	ctx := Detect(dir)
	require.True(t, ctx.IsGitRepo)
	assert.Equal(t, dir, ctx.RepoRoot)
	assert.Equal(t, filepath.Base(dir), ctx.RepoName)
	assert.Equal(t, "main", ctx.Branch)
}

func TestDetect_FromSubdirectoryWalksUpToRoot(t *testing.T) {
	dir := resolvedTempDir(t)
	initGitRepo(t, dir)

	sub := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	ctx := Detect(sub)
	require.True(t, ctx.IsGitRepo)
	assert.Equal(t, dir, ctx.RepoRoot)
}

func TestDetect_LinkedWorktreeResolvesToMainRepo(t *testing.T) {
	dir := resolvedTempDir(t)
	initGitRepo(t, dir)

	wtParent := resolvedTempDir(t)
	wtPath := filepath.Join(wtParent, "wt")
	run(t, dir, "git", "worktree", "add", "-b", "feature", wtPath)

	ctx := Detect(wtPath)
	require.True(t, ctx.IsGitRepo)
	assert.Equal(t, dir, ctx.RepoRoot)
	assert.Equal(t, "feature", ctx.Branch)
}
