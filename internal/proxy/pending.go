package proxy

import (
	"encoding/json"
	"sync"

	"github.com/atm-mail/atm/internal/jsonrpc"
)

// pendingResult is what a forwarded request's waiter task receives: either
// the child's raw result/error, or a sentinel signalling the child died or
// the request was cancelled.
type pendingResult struct {
	raw        jsonrpc.Message
	childDied  bool
	exitCode   int
	cancelled  bool
}

// pendingEntry tracks one in-flight request forwarded to the child.
type pendingEntry struct {
	upstreamID json.RawMessage
	newSession bool   // true for a fresh "codex" call, not a "codex-reply"
	agentID    string // bound once the session is registered (step 3)
	done       chan pendingResult
}

// pendingMap is the proxy's map of requests forwarded to the child, keyed
// by the request id string sent to the child. Held only across
// insert/lookup/delete, never across I/O (spec.md §5).
type pendingMap struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingMap() *pendingMap {
	return &pendingMap{entries: make(map[string]*pendingEntry)}
}

func (m *pendingMap) register(id string, e *pendingEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = e
}

func (m *pendingMap) take(id string) (*pendingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	return e, ok
}

func (m *pendingMap) lookup(id string) (*pendingEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// drainAll removes and returns every pending entry, used when the child
// dies so every outstanding request can be failed with ERR_CHILD_DEAD
// (spec.md §4.1 step 4).
func (m *pendingMap) drainAll() []*pendingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*pendingEntry, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, e)
		delete(m.entries, id)
	}
	return out
}

func (m *pendingMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// threadMap maps the backend's threadId to ATM's agent_id, kept current by
// both new-session and codex-reply preparation (spec.md §3, §4.1).
type threadMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newThreadMap() *threadMap {
	return &threadMap{m: make(map[string]string)}
}

func (t *threadMap) set(threadID, agentID string) {
	if threadID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[threadID] = agentID
}

func (t *threadMap) lookup(threadID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agentID, ok := t.m[threadID]
	return agentID, ok
}
