package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Strategy selects what retention does with evicted messages (spec.md §4.2).
type Strategy int

const (
	StrategyDelete Strategy = iota
	StrategyArchive
)

// Policy configures a retention pass for a single inbox.
type Policy struct {
	MaxAge   time.Duration // zero means no age-based eviction
	MaxCount int           // zero means no count-based eviction
	Strategy Strategy
	DryRun   bool
}

// ParseMaxAge parses a duration string in the policy's "<N>h" / "<N>d"
// notation (spec.md §4.2) into a time.Duration.
func ParseMaxAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid max_age %q: %w", s, err)
	}
	switch unit {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid max_age unit in %q: want 'h' or 'd'", s)
	}
}

// Result reports what a retention pass did (or would do, for DryRun).
type Result struct {
	Kept     int
	Evicted  int
	Archived bool
	ArchivePath string
}

// Apply evicts messages from the mailbox at path per policy, preserving
// newest-first ordering. With DryRun set, the file is left byte-identical
// and only counts are reported (spec.md §8 law: "retention(dry_run=true)
// leaves all files byte-identical"). archiveDir is only consulted when
// Strategy is StrategyArchive.
func Apply(path string, policy Policy, archiveDir string) (Result, error) {
	msgs, err := readAll(path)
	if err != nil {
		return Result{}, err
	}
	if len(msgs) == 0 {
		return Result{Kept: 0, Evicted: 0}, nil
	}

	now := time.Now().UTC()
	keep := make([]Message, 0, len(msgs))
	evict := make([]Message, 0)

	// Messages are newest-last on disk (spec.md §3); walk oldest-first and
	// decide age eviction, then apply the count cap from the tail.
	for _, m := range msgs {
		if policy.MaxAge > 0 {
			ts, terr := time.Parse(time.RFC3339, m.Timestamp)
			if terr == nil && now.Sub(ts) > policy.MaxAge {
				evict = append(evict, m)
				continue
			}
		}
		keep = append(keep, m)
	}

	if policy.MaxCount > 0 && len(keep) > policy.MaxCount {
		cut := len(keep) - policy.MaxCount
		evict = append(evict, keep[:cut]...)
		keep = keep[cut:]
	}

	result := Result{Kept: len(keep), Evicted: len(evict)}
	if len(evict) == 0 || policy.DryRun {
		return result, nil
	}

	if policy.Strategy == StrategyArchive {
		archivePath, err := writeArchive(archiveDir, evict, now)
		if err != nil {
			return result, err
		}
		result.Archived = true
		result.ArchivePath = archivePath
	}

	if err := writeAll(path, keep); err != nil {
		return result, err
	}
	return result, nil
}

// writeArchive writes evicted messages to
// "<archive_dir>/archive-YYYYMMDD-HHMMSS.json.gz" (the team/agent path
// components are the caller's archiveDir already, per spec.md §6): a JSON
// array, gzip compressed to keep long-lived archive directories small. No
// uncompressed .json copy is written.
func writeArchive(archiveDir string, msgs []Message, now time.Time) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o750); err != nil {
		return "", wrapErr(KindIO, archiveDir, err)
	}

	name := fmt.Sprintf("archive-%s.json.gz", now.Format("20060102-150405"))
	path := filepath.Join(archiveDir, name)

	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return "", wrapErr(KindJSON, path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", wrapErr(KindIO, path, err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		return "", wrapErr(KindIO, path, err)
	}
	if err := gw.Close(); err != nil {
		return "", wrapErr(KindIO, path, err)
	}
	return path, nil
}

// PurgeReports removes *.json and *.md files older than maxAge from dir
// (spec.md §4.2, "a related routine purges report files").
func PurgeReports(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, wrapErr(KindIO, dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				purged++
			}
		}
	}
	return purged, nil
}

// ReverseNewestFirst returns a copy of msgs in newest-first order, since the
// on-disk order is newest-last (spec.md §3). Used by callers that load an
// inbox for display (e.g. atm_read).
func ReverseNewestFirst(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
