package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atm-mail/atm/internal/idgen"
	"github.com/atm-mail/atm/internal/inbox"
	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/session"
)

// runMailPoller checks the proxy's own identity inbox on a fixed interval
// while the child is idle, injecting unread mail as a synthesized
// codex-reply prompt (spec.md §4.1, "Mail injection").
func (p *Proxy) runMailPoller(ctx context.Context) {
	interval := p.cfg.MailPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopMailPoll:
			return
		case <-ticker.C:
			p.pollMailOnce(ctx)
		}
	}
}

// pollMailOnce runs a single injection cycle, a no-op unless the child is
// alive, idle, and bound to an Active session with a known threadId.
func (p *Proxy) pollMailOnce(ctx context.Context) {
	if p.inFlight.Load() > 0 || !p.childAlive() {
		return
	}

	entry, ok := p.currentActiveEntry()
	if !ok || entry.ThreadID == "" {
		return
	}

	path := p.cfg.Home.InboxPath(entry.Team, entry.Identity)
	msgs, err := inbox.Load(path)
	if err != nil {
		slog.Warn("proxy: mail poll: load inbox", "error", err)
		return
	}

	max := p.cfg.MaxMailMessages
	if max <= 0 {
		max = 10
	}
	maxLen := p.cfg.MaxMailMessageLength
	if maxLen <= 0 {
		maxLen = inbox.MaxTextRunes
	}

	type unread struct {
		idx int
		msg inbox.Message
	}
	var picked []unread
	for i, m := range msgs {
		if m.Read || m.MessageID == "" {
			continue
		}
		picked = append(picked, unread{idx: i, msg: m})
		if len(picked) >= max {
			break
		}
	}
	if len(picked) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d unread message(s):\n\n", len(picked))
	for i, u := range picked {
		fmt.Fprintf(&b, "[%d] From: %s | Time: %s | ID: %s\n%s\n\n", i+1, u.msg.From, u.msg.Timestamp, u.msg.MessageID, inbox.TruncateTextN(u.msg.Text, maxLen))
	}

	params := callParams{
		Name: "codex-reply",
		Arguments: map[string]json.RawMessage{
			"prompt":   mustMarshal(b.String()),
			"threadId": mustMarshal(entry.ThreadID),
		},
	}
	// Sent as a request with a synthetic id so the child actually executes
	// the tool call; the proxy never registers a pending waiter for it, so
	// the eventual response is simply dropped in handleChildLine.
	reqID := mustMarshal("mailpoll-" + idgen.RequestID())
	body, err := json.Marshal(jsonrpc.NewRequest(reqID, "tools/call", mustMarshal(params)))
	if err != nil {
		slog.Warn("proxy: mail poll: marshal injection", "error", err)
		return
	}

	// Write to the child first; only on success do we mark messages read.
	// The reverse order risks silently losing mail on a crash between the
	// two steps (spec.md §4.1); a failed write leaves the messages unread
	// so the next poll retries delivery instead of losing them silently.
	if err := p.forwardRawToChild(body); err != nil {
		slog.Warn("proxy: mail poll: write to child failed, leaving messages unread", "error", err)
		return
	}

	ids := make(map[string]bool, len(picked))
	for _, u := range picked {
		ids[u.msg.MessageID] = true
	}
	err = inbox.Update(path, func(cur []inbox.Message) []inbox.Message {
		for i := range cur {
			if ids[cur[i].MessageID] {
				cur[i].Read = true
			}
		}
		return cur
	})
	if err != nil {
		slog.Warn("proxy: mail poll: mark read", "error", err)
	}
}

// currentActiveEntry returns the most-recently-active Active session entry
// bound to this proxy's default identity/team, if any.
func (p *Proxy) currentActiveEntry() (session.Entry, bool) {
	var best session.Entry
	found := false
	for _, e := range p.registry.ListAll() {
		if e.Status != session.StatusActive {
			continue
		}
		if p.cfg.Identity != "" && e.Identity != p.cfg.Identity {
			continue
		}
		if found && !e.LastActive.After(best.LastActive) {
			continue
		}
		best = e
		found = true
	}
	return best, found
}
