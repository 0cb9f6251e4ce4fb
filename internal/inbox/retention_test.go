package inbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(t *testing.T, text string, ts time.Time) Message {
	t.Helper()
	return Message{From: "s", Text: text, Timestamp: ts.Format(time.RFC3339)}
}

func TestParseMaxAge(t *testing.T) {
	d, err := ParseMaxAge("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseMaxAge("12h")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, d)

	_, err = ParseMaxAge("7x")
	assert.Error(t, err)
}

func TestApply_DryRunLeavesFileUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	old := msgAt(t, "old", time.Now().Add(-30*24*time.Hour))
	_ = writeAll(path, []Message{old})

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = Apply(path, Policy{MaxAge: 24 * time.Hour, DryRun: true}, "")
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApply_DeletesOldMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	old := msgAt(t, "old", time.Now().Add(-48*time.Hour))
	recent := msgAt(t, "recent", time.Now())
	_ = writeAll(path, []Message{old, recent})

	result, err := Apply(path, Policy{MaxAge: 24 * time.Hour, Strategy: StrategyDelete}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)
	assert.Equal(t, 1, result.Kept)

	msgs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "recent", msgs[0].Text)
}

func TestApply_ArchivesEvictedMessages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	archiveDir := filepath.Join(dir, "archive")
	old := msgAt(t, "old", time.Now().Add(-48*time.Hour))
	_ = writeAll(path, []Message{old})

	result, err := Apply(path, Policy{MaxAge: 24 * time.Hour, Strategy: StrategyArchive}, archiveDir)
	require.NoError(t, err)
	assert.True(t, result.Archived)
	assert.FileExists(t, result.ArchivePath)

	msgs, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestApply_MaxCountEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	now := time.Now()
	msgs := []Message{
		msgAt(t, "1", now.Add(-3*time.Hour)),
		msgAt(t, "2", now.Add(-2*time.Hour)),
		msgAt(t, "3", now.Add(-1*time.Hour)),
	}
	_ = writeAll(path, msgs)

	result, err := Apply(path, Policy{MaxCount: 2, Strategy: StrategyDelete}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)

	kept, err := Load(path)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "2", kept[0].Text)
	assert.Equal(t, "3", kept[1].Text)
}

func TestReverseNewestFirst(t *testing.T) {
	msgs := []Message{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	rev := ReverseNewestFirst(msgs)
	assert.Equal(t, []string{"c", "b", "a"}, []string{rev[0].Text, rev[1].Text, rev[2].Text})
}
