package daemon

import (
	"log/slog"
	"sync"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/session"
)

// SessionStore drives the hook-event half of spec.md §4.5's dual
// responsibility: in addition to the in-memory AgentStateTracker, each
// session-start/session-end hook event must also upsert/close an entry in
// the persisted session registry (internal/session.Registry,
// "<sessions_dir>/<team>/registry.json") so that `atm status` and the proxy's
// own resume path observe the same agent lifecycle the hooks report.
//
// One *session.Registry is kept per team, loaded lazily on first touch and
// saved after every mutation. Unlike the proxy's registry (which mints
// codex:<uuid> agent ids via Register), entries here are upserted directly
// by agent name, since hook events have no proxy-assigned identity to key
// on.
type SessionStore struct {
	dir atmhome.SessionsDir

	mu    sync.Mutex
	teams map[string]*session.Registry
}

// NewSessionStore builds a store rooted at dir.
func NewSessionStore(dir atmhome.SessionsDir) *SessionStore {
	return &SessionStore{dir: dir, teams: make(map[string]*session.Registry)}
}

func (s *SessionStore) registryLocked(team string) *session.Registry {
	r, ok := s.teams[team]
	if ok {
		return r
	}
	r = session.NewRegistry(0)
	if err := session.Load(s.dir.RegistryPath(team), r); err != nil {
		slog.Warn("daemon: load session registry", "team", team, "error", err)
	}
	s.teams[team] = r
	return r
}

func (s *SessionStore) save(team string, r *session.Registry) {
	if err := session.Save(s.dir.RegistryPath(team), r); err != nil {
		slog.Warn("daemon: save session registry", "team", team, "error", err)
	}
}

// Upsert records a session-start for agent under team.
func (s *SessionStore) Upsert(agent, team, sessionID string, processID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.registryLocked(team)
	r.UpsertAgentSession(agent, team, sessionID, processID)
	s.save(team, r)
}

// End records a session-end for agent. Since session-end hook events carry
// no team field, every currently loaded team registry is checked and only
// those actually containing agent are saved.
func (s *SessionStore) End(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for team, r := range s.teams {
		if r.EndAgentSession(agent) {
			s.save(team, r)
		}
	}
}
