package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// lockRecord is the JSON content of an identity lock file: the owning
// proxy's PID and the agent_id currently bound to the identity.
type lockRecord struct {
	PID     int    `json:"pid"`
	AgentID string `json:"agent_id"`
}

// IdentityLock advertises ownership of a (team, identity) pair to other
// proxy processes via a lock file at <sessions_dir>/<team>/<identity>.lock.
type IdentityLock struct {
	path string
}

// NewIdentityLock builds a lock handle for the given path. Callers obtain
// the path from atmhome.SessionsDir.IdentityLockPath.
func NewIdentityLock(path string) *IdentityLock {
	return &IdentityLock{path: path}
}

// Held reports whether the lock file exists and names a PID that is still
// alive. A lock left by a crashed process (dead PID) is not considered
// held.
func (l *IdentityLock) Held() (held bool, rec lockRecord, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, lockRecord{}, nil
		}
		return false, lockRecord{}, err
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt lock file: treat as not held so a new registration can
		// reclaim it.
		return false, lockRecord{}, nil
	}
	if !pidAlive(rec.PID) {
		return false, rec, nil
	}
	return true, rec, nil
}

// Acquire writes this process's PID and agentID to the lock file,
// overwriting any stale (dead-PID) lock. Fails if a live process holds it.
func (l *IdentityLock) Acquire(agentID string) error {
	held, rec, err := l.Held()
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("identity lock %s held by pid %d (agent %s)", l.path, rec.PID, rec.AgentID)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(lockRecord{PID: os.Getpid(), AgentID: agentID})
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o600)
}

// Release removes the lock file. Safe to call even if the file is already
// gone.
func (l *IdentityLock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
