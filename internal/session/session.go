// Package session implements the proxy's in-memory session registry: the
// authoritative map of one proxy process's agent sessions, with identity
// uniqueness and a concurrency cap, backed by a registry.json snapshot and
// cross-process identity lock files.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a SessionEntry's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
	StatusClosed Status = "closed"
)

// Entry represents one agent session.
type Entry struct {
	AgentID    string    `json:"agent_id"`
	Identity   string    `json:"identity"`
	Team       string    `json:"team"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Cwd        string    `json:"cwd"`
	RepoRoot   string    `json:"repo_root,omitempty"`
	RepoName   string    `json:"repo_name,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
	Status     Status    `json:"status"`

	// SessionID and ProcessID are set only for entries upserted from hook
	// events (spec.md §4.5's "upsert (agent, session_id, process_id) in the
	// session registry as Active"); a proxy-minted codex session leaves them
	// empty.
	SessionID string `json:"session_id,omitempty"`
	ProcessID int    `json:"process_id,omitempty"`
}

// Resumable reports whether a client could resume this entry via codex-reply.
func (e Entry) Resumable() bool {
	return e.Status == StatusStale && e.ThreadID != ""
}

// IdentityConflictError is returned by Register when identity already has
// an Active session.
type IdentityConflictError struct {
	Identity string
	AgentID  string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity %q already has an active session (%s)", e.Identity, e.AgentID)
}

// MaxSessionsExceededError is returned by Register when accepting a new
// session would exceed the registry's configured cap.
type MaxSessionsExceededError struct {
	Max int
}

func (e *MaxSessionsExceededError) Error() string {
	return fmt.Sprintf("maximum active session count (%d) exceeded", e.Max)
}

func newAgentID() string {
	return "codex:" + uuid.NewString()
}
