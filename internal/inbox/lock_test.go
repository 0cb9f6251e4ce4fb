package inbox

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := newFileLock(filepath.Join(dir, "x.json"))

	require.NoError(t, l.acquire(time.Second))
	_, err := os.Stat(l.path)
	require.NoError(t, err)

	l.release()
	_, err = os.Stat(l.path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileLock_BreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	mailbox := filepath.Join(dir, "x.json")
	l := newFileLock(mailbox)

	// A PID that's very unlikely to be alive.
	require.NoError(t, os.WriteFile(l.path, []byte(strconv.Itoa(1<<30-1)), 0o600))

	err := l.acquire(500 * time.Millisecond)
	require.NoError(t, err, "a lock held by a dead PID must be broken and reacquired")
}

func TestFileLock_TimesOutWhenHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	mailbox := filepath.Join(dir, "x.json")
	l := newFileLock(mailbox)

	require.NoError(t, os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o600))
	defer os.Remove(l.path)

	err := l.acquire(50 * time.Millisecond)
	assert.Error(t, err)
}
