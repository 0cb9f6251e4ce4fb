package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/daemon"
	"github.com/atm-mail/atm/internal/inbox"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      []string
	enterOnly []string
}

func (f *fakeSender) sendOnce(ctx context.Context, pane, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pane+":"+text)
	return nil
}

func (f *fakeSender) sendEnterOnly(ctx context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterOnly = append(f.enterOnly, pane)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestPluginContext(t *testing.T) *Context {
	home := atmhome.FromHome(t.TempDir())
	return &Context{Home: home, Mail: NewMailService(home)}
}

func TestNudgeEngine_NudgesIdleAgentWithUnreadMail(t *testing.T) {
	pctx := newTestPluginContext(t)
	tracker := daemon.NewAgentStateTracker()
	tracker.SessionStart("alice", "team1", "sess-1", 123)
	tracker.TurnComplete("alice")
	tracker.SetPaneTarget("alice", "%1")

	_, err := pctx.Mail.Send("team1", "alice", inbox.Message{From: "bob", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "m1"})
	require.NoError(t, err)

	sender := &fakeSender{}
	eng := NewNudgeEngine(config.TmuxWorkerConfig{NudgeCooldown: time.Hour, RetryDelay: 10 * time.Millisecond}, tracker, sender)
	eng.pctx = pctx

	eng.tick(context.Background())

	sent := sender.snapshot()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "%1:")
}

func TestNudgeEngine_NeverFiresWhileBusy(t *testing.T) {
	pctx := newTestPluginContext(t)
	tracker := daemon.NewAgentStateTracker()
	tracker.SessionStart("alice", "team1", "sess-1", 123)
	tracker.MarkBusy("alice")
	tracker.SetPaneTarget("alice", "%1")

	_, err := pctx.Mail.Send("team1", "alice", inbox.Message{From: "bob", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "m1"})
	require.NoError(t, err)

	sender := &fakeSender{}
	eng := NewNudgeEngine(config.TmuxWorkerConfig{}, tracker, sender)
	eng.pctx = pctx
	eng.tick(context.Background())

	assert.Empty(t, sender.snapshot(), "nudge must never fire for a Busy agent")
}

func TestNudgeEngine_CooldownSuppressesRepeatNudge(t *testing.T) {
	pctx := newTestPluginContext(t)
	tracker := daemon.NewAgentStateTracker()
	tracker.SessionStart("alice", "team1", "sess-1", 123)
	tracker.TurnComplete("alice")
	tracker.SetPaneTarget("alice", "%1")

	_, err := pctx.Mail.Send("team1", "alice", inbox.Message{From: "bob", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "m1"})
	require.NoError(t, err)

	sender := &fakeSender{}
	eng := NewNudgeEngine(config.TmuxWorkerConfig{NudgeCooldown: time.Hour}, tracker, sender)
	eng.pctx = pctx

	eng.tick(context.Background())
	eng.tick(context.Background())

	assert.Len(t, sender.snapshot(), 1, "second tick within the cooldown window must not re-nudge")
}
