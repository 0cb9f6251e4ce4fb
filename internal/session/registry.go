package session

import (
	"sync"
	"time"
)

// DefaultMaxSessions is the built-in cap on concurrently Active sessions per
// proxy process, overridable via proxy config.
const DefaultMaxSessions = 50

// Registry is the in-memory authoritative map of one proxy's agent
// sessions. Safe for concurrent use; callers doing I/O while holding a
// returned Entry must not assume the mutex is still held: every accessor
// returns a copy, not a live pointer.
type Registry struct {
	mu       sync.Mutex
	max      int
	sessions map[string]*Entry // agent_id -> entry
	identity map[string]string // "team/identity" -> agent_id, Active only
}

// NewRegistry builds an empty registry with the given Active-session cap.
// A non-positive max falls back to DefaultMaxSessions.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Registry{
		max:      max,
		sessions: make(map[string]*Entry),
		identity: make(map[string]string),
	}
}

func identityKey(team, identity string) string {
	return team + "/" + identity
}

// Register mints a new Active session bound to (team, identity), failing if
// the identity already has one or the Active cap would be exceeded.
func (r *Registry) Register(identity, team, cwd, repoRoot, repoName, branch string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey(team, identity)
	if existing, ok := r.identity[key]; ok {
		return Entry{}, &IdentityConflictError{Identity: identity, AgentID: existing}
	}
	if r.activeCountLocked() >= r.max {
		return Entry{}, &MaxSessionsExceededError{Max: r.max}
	}

	now := time.Now().UTC()
	entry := &Entry{
		AgentID:    newAgentID(),
		Identity:   identity,
		Team:       team,
		Cwd:        cwd,
		RepoRoot:   repoRoot,
		RepoName:   repoName,
		Branch:     branch,
		StartedAt:  now,
		LastActive: now,
		Status:     StatusActive,
	}
	r.sessions[entry.AgentID] = entry
	r.identity[key] = entry.AgentID
	return *entry, nil
}

// Get returns a copy of the entry for agentID, if present.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agentID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ListAll returns a snapshot of every known entry.
func (r *Registry) ListAll() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, *e)
	}
	return out
}

// FindByIdentity returns the Active entry bound to (team, identity), if any.
func (r *Registry) FindByIdentity(team, identity string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agentID, ok := r.identity[identityKey(team, identity)]
	if !ok {
		return Entry{}, false
	}
	return *r.sessions[agentID], true
}

// ActiveCount returns the number of currently Active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked()
}

func (r *Registry) activeCountLocked() int {
	n := 0
	for _, e := range r.sessions {
		if e.Status == StatusActive {
			n++
		}
	}
	return n
}

// SetThreadID records the backend-assigned thread id for an entry.
func (r *Registry) SetThreadID(agentID, threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	e.ThreadID = threadID
	e.LastActive = time.Now().UTC()
	return true
}

// SetCwd updates an entry's working directory.
func (r *Registry) SetCwd(agentID, cwd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	e.Cwd = cwd
	e.LastActive = time.Now().UTC()
	return true
}

// Touch refreshes last_active and the git context for an entry.
func (r *Registry) Touch(agentID, repoRoot, repoName, branch string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	e.RepoRoot, e.RepoName, e.Branch = repoRoot, repoName, branch
	e.LastActive = time.Now().UTC()
	return true
}

// UpsertAgentSession records a hook-driven session-start for agent (spec.md
// §4.5, "session-start: upsert (agent, session_id, process_id) in the
// session registry as Active"). Unlike Register, it is keyed directly by
// agent name rather than a minted codex:<uuid> agent id and never conflicts
// with an existing entry — it always creates or refreshes one in place.
func (r *Registry) UpsertAgentSession(agent, team, sessionID string, processID int) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	e, ok := r.sessions[agent]
	if !ok {
		e = &Entry{
			AgentID:   agent,
			Identity:  agent,
			Team:      team,
			StartedAt: now,
		}
		r.sessions[agent] = e
	}
	e.Team = team
	e.SessionID = sessionID
	e.ProcessID = processID
	e.Status = StatusActive
	e.LastActive = now
	return *e
}

// EndAgentSession transitions a hook-driven session entry to Closed (spec.md
// §4.5, "session-end: mark the registry entry Closed"). Reports false if no
// such entry exists.
func (r *Registry) EndAgentSession(agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agent]
	if !ok {
		return false
	}
	e.Status = StatusClosed
	e.LastActive = time.Now().UTC()
	return true
}

// Close transitions an entry to Closed and frees its identity slot for reuse.
func (r *Registry) Close(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[agentID]
	if !ok {
		return false
	}
	e.Status = StatusClosed
	delete(r.identity, identityKey(e.Team, e.Identity))
	return true
}

// MarkAllStale transitions every Active entry to Stale and clears the
// identity index. Load applies the same Active-to-Stale rule on its own
// while rehydrating registry.json and does not call this.
func (r *Registry) MarkAllStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.Status == StatusActive {
			e.Status = StatusStale
		}
	}
	r.identity = make(map[string]string)
}

// InsertStale loads a persisted entry verbatim without touching the identity
// index. Used only while rehydrating registry.json at startup.
func (r *Registry) InsertStale(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := e
	r.sessions[e.AgentID] = &cp
}

// ResumeStale reactivates a Stale entry under a (possibly new) identity,
// binding it back into the identity index. Fails if the entry isn't Stale
// or the target identity already has an Active session.
func (r *Registry) ResumeStale(agentID, newIdentity string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[agentID]
	if !ok || e.Status != StatusStale {
		return Entry{}, &IdentityConflictError{Identity: newIdentity, AgentID: agentID}
	}
	key := identityKey(e.Team, newIdentity)
	if existing, ok := r.identity[key]; ok {
		return Entry{}, &IdentityConflictError{Identity: newIdentity, AgentID: existing}
	}

	e.Identity = newIdentity
	e.Status = StatusActive
	e.LastActive = time.Now().UTC()
	r.identity[key] = agentID
	return *e, nil
}
