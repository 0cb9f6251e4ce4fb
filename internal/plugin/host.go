package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atm-mail/atm/internal/inbox"
)

// Host instantiates enabled plugins and runs each as an independent
// cooperative task under one cancellation token (spec.md §4.6, §5).
type Host struct {
	pctx    *Context
	plugins []Plugin
}

// NewHost builds a Host over the given plugins, all sharing pctx.
func NewHost(pctx *Context, plugins ...Plugin) *Host {
	return &Host{pctx: pctx, plugins: plugins}
}

// Run initializes every plugin, then runs them concurrently until ctx is
// cancelled. A plugin that fails Init is logged and skipped rather than
// aborting the other plugins; a plugin whose Run returns an error is
// likewise logged without tearing down its siblings (spec.md §5,
// "plugins observe cancellation at their next select").
func (h *Host) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.plugins {
		p := p
		if err := p.Init(ctx, h.pctx); err != nil {
			slog.Error("plugin: init failed", "plugin", p.Name(), "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("plugin: run failed", "plugin", p.Name(), "error", err)
			}
			if err := p.Shutdown(context.Background()); err != nil {
				slog.Warn("plugin: shutdown failed", "plugin", p.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// DeliverMessage routes msg to every plugin whose botIdentity claims the
// addressed recipient, via each Plugin's HandleMessage. Used by the daemon
// when a message lands in a synthetic-member inbox rather than a real
// agent's.
func (h *Host) DeliverMessage(ctx context.Context, agent string, msg inbox.Message) {
	for _, p := range h.plugins {
		addressed, ok := p.(interface{ Addressee() string })
		if !ok || addressed.Addressee() != agent {
			continue
		}
		if err := p.HandleMessage(ctx, msg); err != nil {
			slog.Warn("plugin: handle_message failed", "plugin", p.Name(), "error", err)
		}
	}
}
