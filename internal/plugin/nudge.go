package plugin

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/daemon"
)

// paneSender is the minimal tmux interaction a NudgeEngine needs, satisfied
// by *WorkerAdapterPlugin.
type paneSender interface {
	sendOnce(ctx context.Context, pane, text string) error
	sendEnterOnly(ctx context.Context, pane string) error
}

// NudgeEngine reminds an Idle agent with unread mail by sending a tmux
// keystroke, gated by a per-agent cooldown and a watermark so the same
// unread mail never triggers two reminders (spec.md §4.6, "Worker adapter
// (tmux)").
type NudgeEngine struct {
	cfg     config.TmuxWorkerConfig
	tracker *daemon.AgentStateTracker
	sender  paneSender
	pctx    *Context

	mu        sync.Mutex
	lastNudge map[string]time.Time
	watermark map[string]string
}

// NewNudgeEngine builds a NudgeEngine. pctx is set later by the owning
// plugin's Init, mirroring WorkerAdapterPlugin's own lazy pctx wiring.
func NewNudgeEngine(cfg config.TmuxWorkerConfig, tracker *daemon.AgentStateTracker, sender paneSender) *NudgeEngine {
	return &NudgeEngine{
		cfg:       cfg,
		tracker:   tracker,
		sender:    sender,
		lastNudge: make(map[string]time.Time),
		watermark: make(map[string]string),
	}
}

// Run polls agent state once a second until ctx is cancelled, nudging every
// Idle agent with fresh unread mail past its cooldown.
func (n *NudgeEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *NudgeEngine) tick(ctx context.Context) {
	if n.pctx == nil {
		return
	}
	for _, rec := range n.tracker.ListAll() {
		// Never fires in Busy or Launching, to avoid corrupting
		// in-progress tool input (spec.md §4.6).
		if rec.State != daemon.StateIdle {
			continue
		}
		n.maybeNudge(ctx, rec)
	}
}

func (n *NudgeEngine) maybeNudge(ctx context.Context, rec daemon.AgentRecord) {
	if rec.PaneTarget == "" {
		return
	}

	cooldown := n.cfg.NudgeCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	n.mu.Lock()
	if since, ok := n.lastNudge[rec.Agent]; ok && time.Since(since) < cooldown {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	msgs, err := n.pctx.Mail.Load(rec.Team, rec.Agent)
	if err != nil {
		return
	}

	var newestUnread string
	unreadCount := 0
	for _, m := range msgs {
		if !m.Read {
			unreadCount++
			newestUnread = m.MessageID
		}
	}
	if unreadCount == 0 || newestUnread == "" {
		return
	}

	n.mu.Lock()
	if n.watermark[rec.Agent] == newestUnread {
		n.mu.Unlock()
		return
	}
	n.watermark[rec.Agent] = newestUnread
	n.lastNudge[rec.Agent] = time.Now()
	n.mu.Unlock()

	text := fmt.Sprintf("[atm] You have %d unread message(s). Run atm_read to check your inbox.", unreadCount)
	if err := n.sender.sendOnce(ctx, rec.PaneTarget, text); err != nil {
		return
	}

	n.scheduleRetry(ctx, rec.PaneTarget)
}

// scheduleRetry sends a single Enter-only keystroke retryDelay plus 0-500ms
// of jitter after the initial nudge, so many simultaneously-idle agents
// don't all receive a tmux send-keys in the same instant
// (SPEC_FULL.md C.7).
func (n *NudgeEngine) scheduleRetry(ctx context.Context, pane string) {
	delay := n.cfg.RetryDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay + jitter):
		}
		_ = n.sender.sendEnterOnly(ctx, pane)
	}()
}
