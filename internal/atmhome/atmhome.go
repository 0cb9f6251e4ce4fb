// Package atmhome resolves ATM's on-disk filesystem layout (spec.md §6) from
// the ATM_HOME environment variable. Paths is resolved once at process start
// and threaded explicitly through the rest of the program; nothing in ATM
// re-reads the environment mid-process (spec.md §9, "global mutable state").
package atmhome

import (
	"os"
	"path/filepath"
)

// Paths is an immutable snapshot of ATM's filesystem layout rooted at home.
type Paths struct {
	Home string
}

// Resolve captures the effective ATM_HOME: the environment variable if set,
// otherwise "<user-home>/.claude".
func Resolve() Paths {
	if h := os.Getenv("ATM_HOME"); h != "" {
		return Paths{Home: h}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Paths{Home: filepath.Join(home, ".claude")}
}

// FromHome builds Paths from an explicit root, bypassing the environment.
// Used by tests and by callers that have already resolved ATM_HOME.
func FromHome(home string) Paths {
	return Paths{Home: home}
}

// TeamDir returns "<home>/teams/<team>".
func (p Paths) TeamDir(team string) string {
	return filepath.Join(p.Home, "teams", team)
}

// TeamConfigPath returns "<home>/teams/<team>/config.json".
func (p Paths) TeamConfigPath(team string) string {
	return filepath.Join(p.TeamDir(team), "config.json")
}

// InboxDir returns "<home>/teams/<team>/inboxes".
func (p Paths) InboxDir(team string) string {
	return filepath.Join(p.TeamDir(team), "inboxes")
}

// InboxPath returns "<home>/teams/<team>/inboxes/<agent>.json".
func (p Paths) InboxPath(team, agent string) string {
	return filepath.Join(p.InboxDir(team), agent+".json")
}

// OriginInboxPath returns "<home>/teams/<team>/inboxes/<agent>.<host>.json",
// the per-origin inbox file written by a bridge pull from a remote host.
func (p Paths) OriginInboxPath(team, agent, originHost string) string {
	return filepath.Join(p.InboxDir(team), agent+"."+originHost+".json")
}

// InboxLockPath returns the lockfile path for an inbox file.
func (p Paths) InboxLockPath(team, agent string) string {
	return p.InboxPath(team, agent) + ".lock"
}

// BridgeStatePath returns "<home>/teams/<team>/.bridge-state.json".
func (p Paths) BridgeStatePath(team string) string {
	return filepath.Join(p.TeamDir(team), ".bridge-state.json")
}

// DaemonDir returns "<home>/daemon".
func (p Paths) DaemonDir() string {
	return filepath.Join(p.Home, "daemon")
}

// DaemonSocketPath returns "<home>/daemon/atm-daemon.sock".
func (p Paths) DaemonSocketPath() string {
	return filepath.Join(p.DaemonDir(), "atm-daemon.sock")
}

// DaemonPIDPath returns "<home>/daemon/atm-daemon.pid".
func (p Paths) DaemonPIDPath() string {
	return filepath.Join(p.DaemonDir(), "atm-daemon.pid")
}

// DedupPath returns "<home>/daemon/dedup.jsonl".
func (p Paths) DedupPath() string {
	return filepath.Join(p.DaemonDir(), "dedup.jsonl")
}

// HookEventsPath returns "<home>/daemon/hooks/events.jsonl".
func (p Paths) HookEventsPath() string {
	return filepath.Join(p.DaemonDir(), "hooks", "events.jsonl")
}

// ArchiveDir returns "<home>/archive/<team>/<agent>".
func (p Paths) ArchiveDir(team, agent string) string {
	return filepath.Join(p.Home, "archive", team, agent)
}

// SessionsDir is the root for session registries and identity lock files.
// It is independent from Home because the spec allows <sessions_dir> to be
// configured separately (see spec.md §6); it defaults to "<home>/sessions".
type SessionsDir struct {
	Root string
}

// ResolveSessionsDir resolves <sessions_dir>, defaulting to "<home>/sessions"
// when ATM_SESSIONS_DIR is unset.
func ResolveSessionsDir(home string) SessionsDir {
	if d := os.Getenv("ATM_SESSIONS_DIR"); d != "" {
		return SessionsDir{Root: d}
	}
	return SessionsDir{Root: filepath.Join(home, "sessions")}
}

// TeamDir returns "<sessions_dir>/<team>".
func (s SessionsDir) TeamDir(team string) string {
	return filepath.Join(s.Root, team)
}

// RegistryPath returns "<sessions_dir>/<team>/registry.json".
func (s SessionsDir) RegistryPath(team string) string {
	return filepath.Join(s.TeamDir(team), "registry.json")
}

// IdentityLockPath returns "<sessions_dir>/<team>/<identity>.lock".
func (s SessionsDir) IdentityLockPath(team, identity string) string {
	return filepath.Join(s.TeamDir(team), identity+".lock")
}

// SpoolRoot resolves <spool_root>/spool, defaulting to "<home>/spool" when
// ATM_SPOOL_ROOT is unset.
func SpoolRoot(home string) string {
	if d := os.Getenv("ATM_SPOOL_ROOT"); d != "" {
		return filepath.Join(d, "spool")
	}
	return filepath.Join(home, "spool")
}
