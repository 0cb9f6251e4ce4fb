// Package gitutil detects the git context (repo root, repo name, branch) of
// a working directory, for injection into the developer-instructions block
// the proxy builds for each session.
package gitutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var errNotGitRepo = errors.New("not a git repository")

// Context holds the git context detected from a working directory. Zero
// value (IsGitRepo false) means cwd is not inside a git repository.
type Context struct {
	IsGitRepo bool
	RepoRoot  string // main repo root, resolved through linked worktrees
	RepoName  string // filepath.Base(RepoRoot)
	Branch    string // current branch name, empty if detached
}

// Detect resolves the git context for dir. Best-effort: a directory that
// isn't inside a git repo returns a zero Context rather than an error, and
// when the git binary can't be run the Branch is left empty.
func Detect(dir string) Context {
	gitDir, isWorktree, err := findGitDir(dir)
	if err != nil {
		return Context{}
	}

	repoRoot := filepath.Dir(gitDir)
	if isWorktree {
		repoRoot = filepath.Dir(gitDir)
	}

	return Context{
		IsGitRepo: true,
		RepoRoot:  repoRoot,
		RepoName:  filepath.Base(repoRoot),
		Branch:    currentBranch(dir),
	}
}

// currentBranch shells out to `git rev-parse --abbrev-ref HEAD`. Returns ""
// for a detached HEAD or any git failure.
func currentBranch(dir string) string {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return ""
	}
	return branch
}

// findGitDir walks up from dir looking for a .git entry, following linked
// worktree ".git" files back to the main repository's .git directory.
func findGitDir(dir string) (gitDir string, isWorktree bool, err error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", false, err
	}
	if resolved, rerr := filepath.EvalSymlinks(absPath); rerr == nil {
		absPath = resolved
	}

	cur := absPath
	for {
		dotGit := filepath.Join(cur, ".git")
		fi, statErr := os.Lstat(dotGit)
		if statErr == nil {
			if fi.IsDir() {
				return dotGit, false, nil
			}
			mainGitDir, werr := resolveWorktreeGitFile(dotGit)
			if werr != nil {
				return "", false, werr
			}
			return mainGitDir, true, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false, errNotGitRepo
		}
		cur = parent
	}
}

// resolveWorktreeGitFile reads a linked worktree's ".git" file (content:
// "gitdir: /path/to/main-repo/.git/worktrees/<name>") and resolves it back
// to the main repo's .git directory.
func resolveWorktreeGitFile(dotGitFile string) (string, error) {
	data, err := os.ReadFile(dotGitFile)
	if err != nil {
		return "", fmt.Errorf("read .git file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "gitdir: ") {
		return "", fmt.Errorf("unexpected .git file content: %q", content)
	}

	gitDir := strings.TrimPrefix(content, "gitdir: ")
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(dotGitFile), gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	// worktrees/<name> -> ../.. is the main repo's .git directory.
	if resolved, rerr := filepath.EvalSymlinks(gitDir); rerr == nil {
		gitDir = resolved
	}
	if base := filepath.Base(filepath.Dir(gitDir)); base == "worktrees" {
		return filepath.Dir(filepath.Dir(gitDir)), nil
	}
	return gitDir, nil
}
