package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/inbox"
	"github.com/atm-mail/atm/internal/util/sanitize"
)

// CIRun is one provider-agnostic completed CI run (spec.md §4.6, CI
// monitor).
type CIRun struct {
	RunID      string
	HeadSHA    string
	Conclusion string // "success" | "failure" | "cancelled" | "neutral" | "skipped" | "timed_out"
	Summary    string
	URL        string
}

// CIProvider abstracts the external CI system.
type CIProvider interface {
	FetchRecentRuns(ctx context.Context) ([]CIRun, error)
}

// notifiedConclusions are reported by default ("failure", "cancelled",
// "success"); "neutral"/"skipped"/"timed_out" are silently skipped unless
// cfg.NotifyAllConclusions is set (SPEC_FULL.md C.5).
var notifiedConclusions = map[string]struct{}{
	"failure":   {},
	"cancelled": {},
	"success":   {},
}

type seenEntry struct {
	insertedAt time.Time
}

// ciSeenCache is a simple TTL-evicted set, distinct from the daemon's
// durable dedup store: CI dedup is purely in-memory per spec.md §4.6
// ("Seen-runs cache is TTL-evicted").
type ciSeenCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]seenEntry
}

func newCISeenCache(ttl time.Duration) *ciSeenCache {
	return &ciSeenCache{ttl: ttl, m: make(map[string]seenEntry)}
}

// checkAndInsert reports whether key was already seen within ttl, and
// inserts it if not, evicting any entries already past ttl along the way.
func (c *ciSeenCache) checkAndInsert(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.m {
		if now.Sub(e.insertedAt) >= c.ttl {
			delete(c.m, k)
		}
	}

	if e, ok := c.m[key]; ok && now.Sub(e.insertedAt) < c.ttl {
		return true
	}
	c.m[key] = seenEntry{insertedAt: now}
	return false
}

// CIMonitorPlugin polls a CI provider for recently completed runs and
// notifies the team on new conclusions, with a JSON+Markdown report pair
// per notification (spec.md §4.6).
type CIMonitorPlugin struct {
	cfg      config.CIMonitorConfig
	team     string
	provider CIProvider
	notifyTo string // identity or distribution list the report mail targets

	pctx  *Context
	seen  *ciSeenCache
}

// NewCIMonitorPlugin builds the plugin. notifyTo is the mailbox the report
// summary mail is delivered to (typically a team lead or a broadcast
// target resolved by the caller).
func NewCIMonitorPlugin(cfg config.CIMonitorConfig, team, notifyTo string, provider CIProvider) *CIMonitorPlugin {
	ttl := cfg.SeenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CIMonitorPlugin{
		cfg:      cfg,
		team:     team,
		provider: provider,
		notifyTo: notifyTo,
		seen:     newCISeenCache(ttl),
	}
}

func (p *CIMonitorPlugin) Name() string { return "ci-monitor" }

func (p *CIMonitorPlugin) Init(ctx context.Context, pctx *Context) error {
	p.pctx = pctx
	if p.cfg.ReportDir != "" {
		return os.MkdirAll(p.cfg.ReportDir, 0o750)
	}
	return nil
}

func (p *CIMonitorPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *CIMonitorPlugin) HandleMessage(ctx context.Context, msg inbox.Message) error { return nil }

func (p *CIMonitorPlugin) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				// Logged; the next tick polls again.
				slog.Warn("plugin: ci monitor poll failed", "error", err)
			}
		}
	}
}

func (p *CIMonitorPlugin) dedupKey(run CIRun) string {
	if p.cfg.DedupStrategy == "per_run" {
		return fmt.Sprintf("ci-%s-%s", run.RunID, run.Conclusion)
	}
	return fmt.Sprintf("ci-%s-%s", run.HeadSHA, run.Conclusion)
}

func (p *CIMonitorPlugin) pollOnce(ctx context.Context) error {
	runs, err := p.provider.FetchRecentRuns(ctx)
	if err != nil {
		return fmt.Errorf("plugin: ci monitor fetch: %w", err)
	}

	for _, run := range runs {
		if !p.cfg.NotifyAllConclusions {
			if _, notify := notifiedConclusions[run.Conclusion]; !notify {
				continue
			}
		}

		key := p.dedupKey(run)
		if p.seen.checkAndInsert(key) {
			continue
		}

		if err := p.report(run); err != nil {
			return err
		}
	}
	return nil
}

func (p *CIMonitorPlugin) report(run CIRun) error {
	now := time.Now().UTC()
	summary := sanitize.Body(run.Summary)

	if p.cfg.ReportDir != "" {
		stem := fmt.Sprintf("ci-%s-%s", run.RunID, now.Format("20060102-150405"))
		if err := p.writeJSONReport(filepath.Join(p.cfg.ReportDir, stem+".json"), run, summary); err != nil {
			return err
		}
		if err := p.writeMarkdownReport(filepath.Join(p.cfg.ReportDir, stem+".md"), run, summary); err != nil {
			return err
		}
	}

	text := fmt.Sprintf("CI run %s on %s: %s\n\n%s\n\n%s", run.RunID, run.HeadSHA, run.Conclusion, summary, run.URL)
	msg := inbox.Message{
		From:      "ci-monitor",
		Text:      inbox.TruncateText(text),
		Timestamp: now.Format(time.RFC3339),
		MessageID: fmt.Sprintf("ci-%s-%s", run.RunID, run.Conclusion),
	}
	_, err := p.pctx.Mail.Send(p.team, p.notifyTo, msg)
	return err
}

func (p *CIMonitorPlugin) writeJSONReport(path string, run CIRun, summary string) error {
	data, err := json.MarshalIndent(struct {
		RunID      string `json:"run_id"`
		HeadSHA    string `json:"head_sha"`
		Conclusion string `json:"conclusion"`
		Summary    string `json:"summary"`
		URL        string `json:"url"`
	}{run.RunID, run.HeadSHA, run.Conclusion, summary, run.URL}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (p *CIMonitorPlugin) writeMarkdownReport(path string, run CIRun, summary string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# CI run %s\n\n", run.RunID)
	fmt.Fprintf(&b, "- Commit: `%s`\n", run.HeadSHA)
	fmt.Fprintf(&b, "- Conclusion: **%s**\n", run.Conclusion)
	fmt.Fprintf(&b, "- URL: %s\n\n", run.URL)
	b.WriteString(summary)
	b.WriteString("\n")
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// GitHubActionsProvider implements CIProvider against the GitHub Actions
// REST API, over net/http in the same style as GitHubProvider in
// issuesbridge.go (no GitHub SDK is wired anywhere in the example pack).
type GitHubActionsProvider struct {
	repo   string // "owner/name"
	token  string
	client *http.Client
}

// NewGitHubActionsProvider builds a provider for repo ("owner/name"),
// reading an API token from GITHUB_TOKEN if set.
func NewGitHubActionsProvider(repo string) *GitHubActionsProvider {
	return &GitHubActionsProvider{
		repo:   repo,
		token:  os.Getenv("GITHUB_TOKEN"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type ghWorkflowRunsResponse struct {
	WorkflowRuns []ghWorkflowRun `json:"workflow_runs"`
}

type ghWorkflowRun struct {
	ID         int64  `json:"id"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Name       string `json:"name"`
	HTMLURL    string `json:"html_url"`
}

// FetchRecentRuns lists the most recently completed workflow runs.
func (g *GitHubActionsProvider) FetchRecentRuns(ctx context.Context) ([]CIRun, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/actions/runs?status=completed&per_page=20", g.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github actions: list runs: status %d", resp.StatusCode)
	}

	var raw ghWorkflowRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	runs := make([]CIRun, 0, len(raw.WorkflowRuns))
	for _, r := range raw.WorkflowRuns {
		runs = append(runs, CIRun{
			RunID:      fmt.Sprintf("%d", r.ID),
			HeadSHA:    r.HeadSHA,
			Conclusion: r.Conclusion,
			Summary:    r.Name,
			URL:        r.HTMLURL,
		})
	}
	return runs, nil
}
