package inbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// WriteOutcome is the result of an inbox_append call (spec.md §4.2).
type WriteOutcome struct {
	// Success is true when the message was appended (or deduplicated) into
	// the target mailbox file.
	Success bool

	// Queued is true when lock contention forced the message into the
	// outbound spool instead. SpoolPath is the file it was written to.
	Queued   bool
	SpoolPath string
}

// readAll loads the mailbox array at path. A missing file is treated as an
// empty mailbox (spec.md §3 invariant).
func readAll(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapErr(KindIO, path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, wrapErr(KindJSON, path, err)
	}
	return msgs, nil
}

// writeAll persists the mailbox array atomically: write to "<path>.tmp"
// then rename over path (spec.md §3, "Writes are atomic via temp-file +
// rename while holding a per-file lock").
func writeAll(path string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return wrapErr(KindJSON, path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return wrapErr(KindIO, path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wrapErr(KindIO, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return wrapErr(KindIO, path, err)
	}
	return nil
}

// findByID returns the index of the message with the given message_id, or
// -1 if absent or id is empty.
func findByID(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range msgs {
		if m.MessageID == id {
			return i
		}
	}
	return -1
}

// Append acquires the per-file lock and appends message to the mailbox at
// path, deduplicating by message_id (spec.md §4.2). team/agent identify the
// target for spooling if the lock cannot be acquired in time.
func Append(path, team, agent string, message Message) (WriteOutcome, error) {
	return AppendWithTimeout(path, team, agent, message, DefaultLockTimeout)
}

// AppendWithTimeout is Append with an explicit lock-acquisition timeout.
func AppendWithTimeout(path, team, agent string, message Message, timeout time.Duration) (WriteOutcome, error) {
	lock := newFileLock(path)
	if err := lock.acquire(timeout); err != nil {
		if errors.Is(err, errLockTimeout) {
			spoolPath, serr := spoolMessage(team, agent, message)
			if serr != nil {
				return WriteOutcome{}, serr
			}
			return WriteOutcome{Queued: true, SpoolPath: spoolPath}, nil
		}
		return WriteOutcome{}, wrapErr(KindLock, path, err)
	}
	defer lock.release()

	msgs, err := readAll(path)
	if err != nil {
		return WriteOutcome{}, err
	}

	if idx := findByID(msgs, message.MessageID); idx >= 0 {
		// Already present: Success without adding (spec.md §4.2, §8 law).
		return WriteOutcome{Success: true}, nil
	}

	msgs = append(msgs, message)
	if err := writeAll(path, msgs); err != nil {
		return WriteOutcome{}, err
	}
	return WriteOutcome{Success: true}, nil
}

// UpdateFunc mutates a mailbox's message slice in place (e.g. mark-read).
type UpdateFunc func(msgs []Message) []Message

// Update acquires the per-file lock, applies fn to the current mailbox
// array, and writes the result back atomically (spec.md §4.2).
func Update(path string, fn UpdateFunc) error {
	return UpdateWithTimeout(path, fn, DefaultLockTimeout)
}

// UpdateWithTimeout is Update with an explicit lock-acquisition timeout.
func UpdateWithTimeout(path string, fn UpdateFunc, timeout time.Duration) error {
	lock := newFileLock(path)
	if err := lock.acquire(timeout); err != nil {
		return wrapErr(KindLock, path, err)
	}
	defer lock.release()

	msgs, err := readAll(path)
	if err != nil {
		return err
	}
	msgs = fn(msgs)
	return writeAll(path, msgs)
}

// Load reads a mailbox without locking, for read-mostly callers such as
// atm_pending_count and agent_sessions rendering that tolerate a rare torn
// read losing to a concurrent writer (the writer's atomic rename means a
// reader never observes a partially-written file, only a stale one).
func Load(path string) ([]Message, error) {
	return readAll(path)
}
