package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/inbox"
	"github.com/atm-mail/atm/internal/util/sanitize"
)

// Issue is one provider-agnostic issue/PR snapshot (spec.md §4.6, Issues
// bridge).
type Issue struct {
	Number    int
	Title     string
	Body      string
	UpdatedAt string // empty means "never updated since creation"
}

// IssueProvider abstracts the external issue tracker. GitHub is built in;
// other providers are out of scope for this repository (spec.md §4.6 notes
// them as "loaded as dynamic libraries", which Go's static linking doesn't
// support the way the original's plugin loader did).
type IssueProvider interface {
	FetchRecent(ctx context.Context) ([]Issue, error)
	PostComment(ctx context.Context, issueNumber int, body string) error
}

// replyPrefix matches "[issue:<NUM>]" at the start of a reply body destined
// for the issues bridge bot.
var replyPrefix = regexp.MustCompile(`^\[issue:(\d+)\]\s*(.*)$`)

// IssuesBridgePlugin polls an external issue provider on an interval and
// turns new or updated issues into mail, posting replies back to the
// provider (spec.md §4.6).
type IssuesBridgePlugin struct {
	cfg      config.IssuesBridgeConfig
	team     string
	provider IssueProvider

	pctx *Context

	mu              sync.Mutex
	lastCommentBody map[int]string // issue number -> bot's last posted comment, loop guard (SPEC_FULL.md C.6)
}

// NewIssuesBridgePlugin builds the plugin. provider is typically
// NewGitHubProvider(cfg.Repo), injectable for tests.
func NewIssuesBridgePlugin(cfg config.IssuesBridgeConfig, team string, provider IssueProvider) *IssuesBridgePlugin {
	return &IssuesBridgePlugin{
		cfg:             cfg,
		team:            team,
		provider:        provider,
		lastCommentBody: make(map[int]string),
	}
}

func (p *IssuesBridgePlugin) Name() string { return "issues-bridge" }

// Addressee is the synthetic member identity inbound replies are addressed
// to, so the host's DeliverMessage can route them here.
func (p *IssuesBridgePlugin) Addressee() string { return p.cfg.BotIdentity }

func (p *IssuesBridgePlugin) Init(ctx context.Context, pctx *Context) error {
	p.pctx = pctx
	return nil
}

func (p *IssuesBridgePlugin) Shutdown(ctx context.Context) error { return nil }

func (p *IssuesBridgePlugin) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				delay := bo.NextBackOff()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}
			bo.Reset()
		}
	}
}

func (p *IssuesBridgePlugin) pollOnce(ctx context.Context) error {
	issues, err := p.provider.FetchRecent(ctx)
	if err != nil {
		return fmt.Errorf("plugin: issues bridge fetch: %w", err)
	}

	for _, issue := range issues {
		messageID := fmt.Sprintf("issue-%d", issue.Number)
		if issue.UpdatedAt != "" {
			messageID = fmt.Sprintf("issue-%d-%s", issue.Number, issue.UpdatedAt)
		}

		msg := inbox.Message{
			From:      p.cfg.BotIdentity,
			Text:      inbox.TruncateText(fmt.Sprintf("[issue:%d] %s\n\n%s", issue.Number, issue.Title, sanitize.Body(issue.Body))),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			MessageID: messageID,
		}

		if _, err := p.pctx.Mail.Send(p.team, p.cfg.BotIdentity, msg); err != nil {
			return fmt.Errorf("plugin: issues bridge deliver: %w", err)
		}
	}
	return nil
}

// HandleMessage posts a reply to the provider when addressed with
// "[issue:<NUM>] <body>", refusing to process the bot's own messages and
// refusing to re-post a byte-identical comment (loop guards, spec.md §4.6
// and SPEC_FULL.md C.6).
func (p *IssuesBridgePlugin) HandleMessage(ctx context.Context, msg inbox.Message) error {
	if msg.From == p.cfg.BotIdentity {
		return nil
	}

	m := replyPrefix.FindStringSubmatch(msg.Text)
	if m == nil {
		return nil
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	body := strings.TrimSpace(m[2])
	if body == "" {
		return nil
	}

	p.mu.Lock()
	if p.lastCommentBody[num] == body {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.provider.PostComment(ctx, num, body); err != nil {
		return fmt.Errorf("plugin: issues bridge post comment: %w", err)
	}

	p.mu.Lock()
	p.lastCommentBody[num] = body
	p.mu.Unlock()
	return nil
}

// GitHubProvider implements IssueProvider against the GitHub REST API
// directly over net/http: no GitHub SDK appears in the example pack's
// dependency inventory, so this is built on the same HTTP-client-plus-JSON
// idiom the rest of the ambient stack uses for anything without a wired
// third-party client (see DESIGN.md).
type GitHubProvider struct {
	repo   string // "owner/name"
	token  string
	client *http.Client
}

// NewGitHubProvider builds a provider for repo ("owner/name"), reading an
// API token from GITHUB_TOKEN if set (unauthenticated requests are rate
// limited far more aggressively).
func NewGitHubProvider(repo string) *GitHubProvider {
	return &GitHubProvider{
		repo:   repo,
		token:  os.Getenv("GITHUB_TOKEN"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type githubIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt string `json:"updated_at"`
}

func (g *GitHubProvider) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return g.client.Do(req)
}

// FetchRecent lists issues updated most recently, newest first.
func (g *GitHubProvider) FetchRecent(ctx context.Context) ([]Issue, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/issues?sort=updated&direction=desc&state=all", g.repo)
	resp, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: list issues: status %d", resp.StatusCode)
	}

	var raw []githubIssue
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(raw))
	for _, gi := range raw {
		issues = append(issues, Issue{Number: gi.Number, Title: gi.Title, Body: gi.Body, UpdatedAt: gi.UpdatedAt})
	}
	return issues, nil
}

// PostComment adds a comment to issueNumber.
func (g *GitHubProvider) PostComment(ctx context.Context, issueNumber int, body string) error {
	url := fmt.Sprintf("https://api.github.com/repos/%s/issues/%d/comments", g.repo, issueNumber)
	resp, err := g.do(ctx, http.MethodPost, url, map[string]string{"body": body})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("github: post comment: status %d", resp.StatusCode)
	}
	return nil
}
