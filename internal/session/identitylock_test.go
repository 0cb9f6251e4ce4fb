package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityLock_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := NewIdentityLock(filepath.Join(dir, "codex.lock"))

	require.NoError(t, l.Acquire("codex:abc"))
	held, rec, err := l.Held()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, "codex:abc", rec.AgentID)

	require.NoError(t, l.Release())
	held, _, err = l.Held()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestIdentityLock_AcquireFailsWhenHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.lock")
	data, _ := json.Marshal(lockRecord{PID: os.Getpid(), AgentID: "codex:other"})
	require.NoError(t, os.WriteFile(path, data, 0o600))

	l := NewIdentityLock(path)
	err := l.Acquire("codex:mine")
	assert.Error(t, err)
}

func TestIdentityLock_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.lock")
	data, _ := json.Marshal(lockRecord{PID: 1<<30 - 1, AgentID: "codex:dead"})
	require.NoError(t, os.WriteFile(path, data, 0o600))

	l := NewIdentityLock(path)
	require.NoError(t, l.Acquire("codex:mine"))

	_, rec, err := l.Held()
	require.NoError(t, err)
	assert.Equal(t, "codex:mine", rec.AgentID)
}

func TestIdentityLock_CorruptFileIsNotHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codex.lock")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	l := NewIdentityLock(path)
	held, _, err := l.Held()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestIdentityLock_ReleaseOnMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := NewIdentityLock(filepath.Join(dir, "gone.lock"))
	assert.NoError(t, l.Release())
}
