package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// HookEvent is one line of the append-only hook event log (spec.md §3,
// HookEvent).
type HookEvent struct {
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Team      string `json:"team,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ProcessID int    `json:"processId,omitempty"`
}

// HookWatcher tail-follows a single append-only events.jsonl file, applying
// each decoded line to an AgentStateTracker. Grounded on the same
// watch-the-parent-directory idiom used for robustness against a
// not-yet-existing target file: watching the file itself would race its
// creation.
type HookWatcher struct {
	path     string
	offset   int64
	tracker  *AgentStateTracker
	subs     *SubscriptionManager
	sessions *SessionStore
}

// NewHookWatcher builds a watcher over path, starting at offset 0. subs may
// be nil, in which case state transitions update tracker but reach no
// socket subscribers. sessions may be nil, in which case session-start and
// session-end events update only the AgentStateTracker, not the persisted
// session registry.
func NewHookWatcher(path string, tracker *AgentStateTracker, subs *SubscriptionManager, sessions *SessionStore) *HookWatcher {
	return &HookWatcher{path: path, tracker: tracker, subs: subs, sessions: sessions}
}

// Run watches the parent directory of w.path until ctx is cancelled,
// re-reading new lines on every relevant fsnotify event. It performs one
// initial catch-up read in case the file already has unread content from
// before this process started.
func (w *HookWatcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.readNewLines()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.readNewLines()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("daemon: hook watcher error", "error", err)
		}
	}
}

// matches reports whether name refers to the watched path, either by exact
// absolute equality or by file name (to tolerate symlink differences).
func (w *HookWatcher) matches(name string) bool {
	if name == w.path {
		return true
	}
	return filepath.Base(name) == filepath.Base(w.path)
}

func (w *HookWatcher) readNewLines() {
	f, err := os.Open(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("daemon: open hook events file", "error", err)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Warn("daemon: stat hook events file", "error", err)
		return
	}
	if info.Size() < w.offset {
		slog.Warn("daemon: hook events file truncated, resetting offset", "path", w.path)
		w.offset = 0
	}

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		slog.Warn("daemon: seek hook events file", "error", err)
		return
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.offset += int64(len(line))
			w.applyLine(line)
		}
		if err != nil {
			break
		}
	}
}

func (w *HookWatcher) applyLine(line []byte) {
	var ev HookEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		slog.Warn("daemon: skipping malformed hook event", "error", err)
		return
	}
	if ev.Agent == "" {
		slog.Warn("daemon: skipping hook event missing agent field", "type", ev.Type)
		return
	}

	switch ev.Type {
	case "agent-turn-complete":
		w.tracker.TurnComplete(ev.Agent)
	case "session-start":
		if ev.SessionID == "" {
			slog.Warn("daemon: skipping session-start missing sessionId", "agent", ev.Agent)
			return
		}
		w.tracker.SessionStart(ev.Agent, ev.Team, ev.SessionID, ev.ProcessID)
		if w.sessions != nil {
			w.sessions.Upsert(ev.Agent, ev.Team, ev.SessionID, ev.ProcessID)
		}
	case "session-end":
		w.tracker.SessionEnd(ev.Agent)
		if w.sessions != nil {
			w.sessions.End(ev.Agent)
		}
	default:
		slog.Warn("daemon: skipping unknown hook event type", "type", ev.Type)
		return
	}

	w.broadcast(ev)
}

// broadcast notifies any socket subscribers watching ev.Agent/ev.Team of the
// state transition the hook event just applied (spec.md §4.4, "subscribe").
func (w *HookWatcher) broadcast(ev HookEvent) {
	if w.subs == nil {
		return
	}
	rec, ok := w.tracker.Get(ev.Agent)
	if !ok {
		return
	}
	w.subs.Broadcast(SubscribeEvent{
		Agent: ev.Agent,
		Team:  rec.Team,
		Kind:  ev.Type,
		Data:  toAgentStatePayload(rec),
	})
}
