package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RehydratesActiveAsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	writer := NewRegistry(10)
	e, err := writer.Register("codex", "atm-dev", "/repo", "/repo", "repo", "main")
	require.NoError(t, err)
	writer.SetThreadID(e.AgentID, "thread-1")
	require.NoError(t, Save(path, writer))

	reader := NewRegistry(10)
	require.NoError(t, Load(path, reader))

	got, ok := reader.Get(e.AgentID)
	require.True(t, ok)
	assert.Equal(t, StatusStale, got.Status)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, 0, reader.ActiveCount())
}

func TestLoad_MissingFileIsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(10)
	require.NoError(t, Load(filepath.Join(dir, "nope.json"), r))
	assert.Empty(t, r.ListAll())
}

func TestLoad_CorruptFileIsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	r := NewRegistry(10)
	require.NoError(t, Load(path, r))
	assert.Empty(t, r.ListAll())
}

func TestSave_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atm-dev", "registry.json")

	r := NewRegistry(10)
	_, err := r.Register("codex", "atm-dev", "/repo", "", "", "")
	require.NoError(t, err)
	require.NoError(t, Save(path, r))
	assert.FileExists(t, path)
}
