package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/metrics"
)

// forwardToChild forwards any request the proxy doesn't specially handle,
// lazy-spawning the child first if needed, and relays the response upstream.
func (p *Proxy) forwardToChild(ctx context.Context, msg jsonrpc.Message) {
	if err := p.ensureChild(ctx, ""); err != nil {
		if msg.IsRequest() {
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, err.Error())))
		}
		return
	}

	if !msg.IsRequest() {
		p.forwardToChildBestEffort(msg)
		return
	}

	resp, rpcErr := p.forwardAndWait(ctx, msg, false, "")
	if rpcErr != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, rpcErr))
		return
	}
	resp.ID = msg.ID
	p.writeUpstream(resp)
}

// forwardToChildBestEffort writes a notification to the child without
// waiting for or routing any response (used for notifications/cancelled
// and similar fire-and-forget messages).
func (p *Proxy) forwardToChildBestEffort(msg jsonrpc.Message) {
	p.mu.Lock()
	c := p.child
	p.mu.Unlock()
	if c == nil {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("proxy: marshal best-effort child message", "error", err)
		return
	}
	if err := c.writeLine(body); err != nil {
		slog.Warn("proxy: write best-effort child message", "error", err)
	}
}

// forwardRawToChild writes an already-marshaled message body to the child.
// The caller must check the returned error before treating the write as
// having happened — mailpoll.go's read-mark invariant depends on it.
func (p *Proxy) forwardRawToChild(raw []byte) error {
	p.mu.Lock()
	c := p.child
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no child process")
	}
	if err := c.writeLine(raw); err != nil {
		slog.Warn("proxy: write buffered message to child", "error", err)
		return err
	}
	return nil
}

// forwardChildEvent resolves agent_id for a codex/event notification and
// enqueues it on the bounded event channel so a slow upstream reader never
// blocks the child's stdout reader; if the channel is full the event is
// dropped and a counter incremented (spec.md §4.1, "Event forwarding").
func (p *Proxy) forwardChildEvent(msg jsonrpc.Message) {
	agentID := p.resolveEventAgentID(msg)

	var params map[string]json.RawMessage
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &params)
	}
	if params == nil {
		params = map[string]json.RawMessage{}
	}
	params["agent_id"] = mustMarshal(agentID)
	msg.Params = mustMarshal(params)

	select {
	case p.eventCh <- msg:
	default:
		p.droppedEvents.Add(1)
		metrics.DroppedEventsTotal.Inc()
	}
}

// runEventForwarder drains the event channel and writes each codex/event
// notification upstream, decoupled from the child's stdout reader.
func (p *Proxy) runEventForwarder(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.eventCh:
			p.writeUpstream(msg)
		}
	}
}

// resolveEventAgentID implements spec.md §4.1's fallback chain:
// params._meta.threadId -> params.threadId -> pending-map lookup by
// _meta.requestId -> "proxy:unknown".
func (p *Proxy) resolveEventAgentID(msg jsonrpc.Message) string {
	var env struct {
		ThreadID string `json:"threadId"`
		Meta     struct {
			ThreadID  string `json:"threadId"`
			RequestID string `json:"requestId"`
		} `json:"_meta"`
	}
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &env)
	}

	if env.Meta.ThreadID != "" {
		if agentID, ok := p.threadIDs.lookup(env.Meta.ThreadID); ok {
			return agentID
		}
	}
	if env.ThreadID != "" {
		if agentID, ok := p.threadIDs.lookup(env.ThreadID); ok {
			return agentID
		}
	}
	if env.Meta.RequestID != "" {
		if entry, ok := p.pending.lookup(env.Meta.RequestID); ok {
			return entry.agentID
		}
	}
	return "proxy:unknown"
}
