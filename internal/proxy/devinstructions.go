package proxy

import (
	"fmt"
	"strings"

	"github.com/atm-mail/atm/internal/gitutil"
)

// buildDeveloperInstructions renders the context block injected into a new
// or resumed session's params.arguments (spec.md §4.1 step 3/4): identity,
// team, repo, branch, cwd.
func buildDeveloperInstructions(identity, team, cwd string, git gitutil.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are ATM identity %q in team %q.\n", identity, team)
	fmt.Fprintf(&b, "Working directory: %s\n", cwd)
	if git.IsGitRepo {
		fmt.Fprintf(&b, "Repository: %s", git.RepoName)
		if git.Branch != "" {
			fmt.Fprintf(&b, " (branch %s)", git.Branch)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Repo root: %s\n", git.RepoRoot)
	}
	b.WriteString("Use the atm_* tools to exchange mail with teammates.\n")
	return b.String()
}
