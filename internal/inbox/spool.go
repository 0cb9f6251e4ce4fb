package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxRetries is the retry budget before a spooled message moves to
// failed/ (spec.md §3, SpooledMessage).
const DefaultMaxRetries = 10

// Spooled is a durable record of an outbound delivery awaiting retry
// (spec.md §3).
type Spooled struct {
	TargetTeam  string    `json:"target_team"`
	TargetAgent string    `json:"target_agent"`
	Message     Message   `json:"message"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	CreatedAt   string    `json:"created_at"`
	LastAttempt string    `json:"last_attempt"`
}

// spoolRoot is set once at process start via SetSpoolRoot (spec.md §9:
// ATM_HOME-derived paths are resolved once, never re-derived per call).
var spoolRoot string

// SetSpoolRoot configures the root directory under which pending/ and
// failed/ subdirectories live. Must be called once before any spool
// operation; tests call it with t.TempDir().
func SetSpoolRoot(root string) {
	spoolRoot = root
}

func pendingDir() string { return filepath.Join(spoolRoot, "pending") }
func failedDir() string  { return filepath.Join(spoolRoot, "failed") }

// spoolMessage writes message as a SpooledMessage into pending/, named
// "<unix-ts>-<agent>@<team>.json". A short random suffix is appended when a
// file with that name already exists, so two messages spooled for the same
// agent@team within the same second never collide (SPEC_FULL.md C.3).
func spoolMessage(team, agent string, message Message) (string, error) {
	dir := pendingDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", wrapErr(KindIO, dir, err)
	}

	now := time.Now().UTC()
	base := fmt.Sprintf("%d-%s@%s", now.Unix(), agent, team)
	name := base + ".json"
	path := filepath.Join(dir, name)
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s-%04x.json", base, rand.Intn(1<<16))
		path = filepath.Join(dir, name)
	}

	sp := Spooled{
		TargetTeam:  team,
		TargetAgent: agent,
		Message:     message,
		RetryCount:  0,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now.Format(time.RFC3339),
		LastAttempt: now.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(sp, "", "  ")
	if err != nil {
		return "", wrapErr(KindJSON, path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", wrapErr(KindIO, path, err)
	}
	return path, nil
}

// DrainStatus reports the outcome of a spool_drain pass (spec.md §4.2).
type DrainStatus struct {
	Delivered int
	Pending   int
	Failed    int
}

// MailboxPath resolves the inbox file path a spooled message targets,
// supplied by the caller (the spool package itself has no knowledge of the
// home layout beyond spoolRoot).
type MailboxPath func(team, agent string) string

// Drain retries every pending spool file via Append. Delivered and
// dedup-skipped messages are removed from pending/; contended messages have
// their retry_count bumped and are rewritten; messages that exceed
// max_retries move to failed/ (spec.md §4.2).
func Drain(pathFor MailboxPath) (DrainStatus, error) {
	dir := pendingDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return DrainStatus{}, wrapErr(KindIO, dir, err)
	}
	if err := os.MkdirAll(failedDir(), 0o750); err != nil {
		return DrainStatus{}, wrapErr(KindIO, failedDir(), err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return DrainStatus{}, wrapErr(KindIO, dir, err)
	}

	var status DrainStatus
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := drainOne(path, pathFor, &status); err != nil {
			// Transient I/O: logged as a warning; continue draining the
			// rest (spec.md §4.7).
			slog.Warn("inbox: spool drain", "path", path, "error", err)
			continue
		}
	}
	return status, nil
}

func drainOne(path string, pathFor MailboxPath, status *DrainStatus) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return wrapErr(KindIO, path, err)
	}
	var sp Spooled
	if err := json.Unmarshal(data, &sp); err != nil {
		return wrapErr(KindJSON, path, err)
	}

	target := pathFor(sp.TargetTeam, sp.TargetAgent)
	outcome, err := Append(target, sp.TargetTeam, sp.TargetAgent, sp.Message)
	if err == nil && outcome.Success {
		_ = os.Remove(path)
		status.Delivered++
		return nil
	}
	if err == nil && outcome.Queued {
		// Lock still held by someone else; the retry itself wrote a new
		// spool file via Append, which is redundant with this one — remove
		// it and bump retry bookkeeping on the original instead.
		_ = os.Remove(outcome.SpoolPath)
		return bumpRetry(path, &sp, status)
	}
	return bumpRetry(path, &sp, status)
}

func bumpRetry(path string, sp *Spooled, status *DrainStatus) error {
	sp.RetryCount++
	sp.LastAttempt = time.Now().UTC().Format(time.RFC3339)

	if sp.RetryCount >= sp.MaxRetries {
		data, err := json.MarshalIndent(sp, "", "  ")
		if err != nil {
			return wrapErr(KindJSON, path, err)
		}
		failedPath := filepath.Join(failedDir(), filepath.Base(path))
		if err := os.WriteFile(failedPath, data, 0o600); err != nil {
			return wrapErr(KindIO, failedPath, err)
		}
		_ = os.Remove(path)
		status.Failed++
		return nil
	}

	data, err := json.MarshalIndent(sp, "", "  ")
	if err != nil {
		return wrapErr(KindJSON, path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return wrapErr(KindIO, path, err)
	}
	status.Pending++
	return nil
}
