package daemon

import (
	"sync"
	"time"
)

// AgentState is one registered agent's lifecycle phase (spec.md §3,
// AgentState).
type AgentState string

const (
	StateLaunching AgentState = "launching"
	StateBusy      AgentState = "busy"
	StateIdle      AgentState = "idle"
	StateKilled    AgentState = "killed"
)

// AgentRecord is the daemon's view of one agent: its current state plus the
// session bookkeeping driven by session-start/session-end hook events.
type AgentRecord struct {
	Agent          string
	Team           string
	State          AgentState
	LastTransition time.Time
	SessionID      string
	ProcessID      int
	SessionDead    bool
	PaneTarget     string
}

// AgentStateTracker holds every known agent's AgentRecord, mutated only by
// the hook event watcher (spec.md §4.5) and read by the daemon's socket
// command dispatch (agent-state, list-agents).
type AgentStateTracker struct {
	mu     sync.Mutex
	agents map[string]*AgentRecord
}

// NewAgentStateTracker returns an empty tracker.
func NewAgentStateTracker() *AgentStateTracker {
	return &AgentStateTracker{agents: make(map[string]*AgentRecord)}
}

func (t *AgentStateTracker) getOrCreateLocked(agent string) *AgentRecord {
	r, ok := t.agents[agent]
	if !ok {
		r = &AgentRecord{Agent: agent, State: StateLaunching, LastTransition: time.Now().UTC()}
		t.agents[agent] = r
	}
	return r
}

// TurnComplete handles an "agent-turn-complete" hook event: auto-registers
// the agent if unknown, then transitions it to Idle.
func (t *AgentStateTracker) TurnComplete(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreateLocked(agent)
	r.State = StateIdle
	r.LastTransition = time.Now().UTC()
}

// SessionStart handles a "session-start" hook event: upserts
// (agent, session_id, process_id) as Active.
func (t *AgentStateTracker) SessionStart(agent, team, sessionID string, processID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreateLocked(agent)
	if team != "" {
		r.Team = team
	}
	r.SessionID = sessionID
	r.ProcessID = processID
	r.SessionDead = false
	if r.State == StateLaunching {
		r.State = StateBusy
	}
	r.LastTransition = time.Now().UTC()
}

// SessionEnd handles a "session-end" hook event: marks the session dead
// without discarding the record (the agent may still be queried by name).
func (t *AgentStateTracker) SessionEnd(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreateLocked(agent)
	r.SessionDead = true
	r.State = StateKilled
	r.LastTransition = time.Now().UTC()
}

// MarkBusy transitions agent to Busy, e.g. right before dispatching a new
// turn through the worker adapter plugin.
func (t *AgentStateTracker) MarkBusy(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreateLocked(agent)
	r.State = StateBusy
	r.LastTransition = time.Now().UTC()
}

// SetPaneTarget records the tmux pane identifier backing agent, used to
// answer the agent-pane socket command.
func (t *AgentStateTracker) SetPaneTarget(agent, pane string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreateLocked(agent)
	r.PaneTarget = pane
}

// Get returns a copy of agent's record, if known.
func (t *AgentStateTracker) Get(agent string) (AgentRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.agents[agent]
	if !ok {
		return AgentRecord{}, false
	}
	return *r, true
}

// ListAll returns a snapshot of every known agent record.
func (t *AgentStateTracker) ListAll() []AgentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AgentRecord, 0, len(t.agents))
	for _, r := range t.agents {
		out = append(out, *r)
	}
	return out
}
