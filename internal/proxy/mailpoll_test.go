package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/inbox"
)

// captureWriter records every write and lets a test hook observe on-disk
// state at the moment of the write, before returning control to the caller.
type captureWriter struct {
	mu      sync.Mutex
	writes  [][]byte
	onWrite func(p []byte)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), p...)
	w.writes = append(w.writes, cp)
	if w.onWrite != nil {
		w.onWrite(cp)
	}
	return len(p), nil
}

func (w *captureWriter) Close() error { return nil }

func newTestProxy(t *testing.T, home string) (*Proxy, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Home = atmhome.FromHome(home)
	cfg.SessionsDir = atmhome.ResolveSessionsDir(home)
	cfg.Identity = "codex"
	cfg.Team = "core"
	p := New(cfg)
	return p, cfg
}

func TestPollMailOnce_InjectsAndMarksRead(t *testing.T) {
	home := t.TempDir()
	p, cfg := newTestProxy(t, home)

	entry, err := p.registry.Register(cfg.Identity, cfg.Team, home, "", "", "")
	require.NoError(t, err)
	p.registry.SetThreadID(entry.AgentID, "thread-123")

	path := cfg.Home.InboxPath(cfg.Team, cfg.Identity)
	for i, from := range []string{"alice", "bob"} {
		_, err := inbox.Append(path, cfg.Team, cfg.Identity, inbox.Message{
			From:      from,
			Text:      "hello",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			MessageID: "msg-" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}

	capw := &captureWriter{}
	p.child = &child{stdin: capw}

	p.pollMailOnce(context.Background())

	require.Len(t, capw.writes, 1, "expected exactly one injected codex-reply write")

	var msg struct {
		Method string `json:"method"`
		Params struct {
			Name      string `json:"name"`
			Arguments struct {
				Prompt   string `json:"prompt"`
				ThreadID string `json:"threadId"`
			} `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(capw.writes[0], &msg))
	assert.Equal(t, "tools/call", msg.Method)
	assert.Equal(t, "codex-reply", msg.Params.Name)
	assert.Equal(t, "thread-123", msg.Params.Arguments.ThreadID)
	assert.Contains(t, msg.Params.Arguments.Prompt, "You have 2 unread message(s)")
	assert.Contains(t, msg.Params.Arguments.Prompt, "[1] From: alice")
	assert.Contains(t, msg.Params.Arguments.Prompt, "[2] From: bob")

	msgs, err := inbox.Load(path)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read, "message %s should be marked read after successful injection", m.MessageID)
	}
}

func TestPollMailOnce_WritesBeforeMarkingRead(t *testing.T) {
	home := t.TempDir()
	p, cfg := newTestProxy(t, home)

	entry, err := p.registry.Register(cfg.Identity, cfg.Team, home, "", "", "")
	require.NoError(t, err)
	p.registry.SetThreadID(entry.AgentID, "thread-xyz")

	path := cfg.Home.InboxPath(cfg.Team, cfg.Identity)
	_, err = inbox.Append(path, cfg.Team, cfg.Identity, inbox.Message{
		From: "alice", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "only-one",
	})
	require.NoError(t, err)

	var observedUnreadAtWriteTime bool
	capw := &captureWriter{onWrite: func(p []byte) {
		msgs, err := inbox.Load(path)
		require.NoError(t, err)
		for _, m := range msgs {
			if m.MessageID == "only-one" && !m.Read {
				observedUnreadAtWriteTime = true
			}
		}
	}}
	p.child = &child{stdin: capw}

	p.pollMailOnce(context.Background())

	assert.True(t, observedUnreadAtWriteTime, "message must still be unread at the moment of the child write")

	msgs, err := inbox.Load(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read, "message must be marked read after the write completes")
}

// failingWriter always errors, simulating a dead/broken child stdin pipe.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, fmt.Errorf("broken pipe") }
func (failingWriter) Close() error                { return nil }

func TestPollMailOnce_LeavesMessagesUnreadWhenChildWriteFails(t *testing.T) {
	home := t.TempDir()
	p, cfg := newTestProxy(t, home)

	entry, err := p.registry.Register(cfg.Identity, cfg.Team, home, "", "", "")
	require.NoError(t, err)
	p.registry.SetThreadID(entry.AgentID, "thread-fail")

	path := cfg.Home.InboxPath(cfg.Team, cfg.Identity)
	_, err = inbox.Append(path, cfg.Team, cfg.Identity, inbox.Message{
		From: "alice", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "only-one",
	})
	require.NoError(t, err)

	p.child = &child{stdin: failingWriter{}}

	p.pollMailOnce(context.Background())

	msgs, err := inbox.Load(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Read, "a failed child write must not mark mail read, so the next poll retries delivery")
}

func TestPollMailOnce_NoOpWhenChildBusy(t *testing.T) {
	home := t.TempDir()
	p, cfg := newTestProxy(t, home)

	entry, err := p.registry.Register(cfg.Identity, cfg.Team, home, "", "", "")
	require.NoError(t, err)
	p.registry.SetThreadID(entry.AgentID, "thread-busy")

	path := cfg.Home.InboxPath(cfg.Team, cfg.Identity)
	_, err = inbox.Append(path, cfg.Team, cfg.Identity, inbox.Message{
		From: "alice", Text: "hi", Timestamp: time.Now().UTC().Format(time.RFC3339), MessageID: "m1",
	})
	require.NoError(t, err)

	capw := &captureWriter{}
	p.child = &child{stdin: capw}
	p.inFlight.Add(1)

	p.pollMailOnce(context.Background())

	assert.Empty(t, capw.writes, "mail must not be injected while a request is in flight")
}
