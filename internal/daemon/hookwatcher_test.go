package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/daemon"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func waitForState(t *testing.T, tracker *daemon.AgentStateTracker, agent string, want daemon.AgentState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := tracker.Get(agent); ok && rec.State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent %q never reached state %q", agent, want)
}

func TestHookWatcher_AppliesEventsAsTheyArrive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	tracker := daemon.NewAgentStateTracker()
	subs := daemon.NewSubscriptionManager()
	sessions := daemon.NewSessionStore(atmhome.ResolveSessionsDir(t.TempDir()))
	w := daemon.NewHookWatcher(path, tracker, subs, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	appendLine(t, path, `{"type":"session-start","agent":"arch-ctm","team":"atm-dev","sessionId":"s1","processId":123}`)
	waitForState(t, tracker, "arch-ctm", daemon.StateBusy)

	appendLine(t, path, `{"type":"agent-turn-complete","agent":"arch-ctm"}`)
	waitForState(t, tracker, "arch-ctm", daemon.StateIdle)

	appendLine(t, path, `{"type":"session-end","agent":"arch-ctm"}`)
	waitForState(t, tracker, "arch-ctm", daemon.StateKilled)

	rec, ok := tracker.Get("arch-ctm")
	require.True(t, ok)
	assert.True(t, rec.SessionDead)

	cancel()
	<-done
}

func TestHookWatcher_BroadcastsStateTransitionsToSubscribers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	tracker := daemon.NewAgentStateTracker()
	subs := daemon.NewSubscriptionManager()
	sessionsDir := atmhome.ResolveSessionsDir(t.TempDir())
	sessions := daemon.NewSessionStore(sessionsDir)
	w := daemon.NewHookWatcher(path, tracker, subs, sessions)

	sub := subs.Subscribe("sub1", "arch-ctm", "atm-dev", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	appendLine(t, path, `{"type":"session-start","agent":"arch-ctm","team":"atm-dev","sessionId":"s1","processId":123}`)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "arch-ctm", ev.Agent)
		assert.Equal(t, "session-start", ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber never received the session-start event")
	}

	assert.Eventually(t, func() bool {
		return fileExists(sessionsDir.RegistryPath("atm-dev"))
	}, 3*time.Second, 20*time.Millisecond, "session-start must upsert a persisted registry.json entry")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestHookWatcher_SkipsEventMissingAgent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"agent-turn-complete"}`+"\n"), 0o600))

	tracker := daemon.NewAgentStateTracker()
	sessions := daemon.NewSessionStore(atmhome.ResolveSessionsDir(t.TempDir()))
	w := daemon.NewHookWatcher(path, tracker, daemon.NewSubscriptionManager(), sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tracker.ListAll())
}
