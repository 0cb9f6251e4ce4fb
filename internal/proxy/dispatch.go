package proxy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/atm-mail/atm/internal/jsonrpc"
)

// callParams is the duck-typed shape of tools/call params (spec.md §4.1).
type callParams struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

// dispatch routes one upstream message per the method table in spec.md
// §4.1.
func (p *Proxy) dispatch(ctx context.Context, msg jsonrpc.Message) {
	switch {
	case msg.Method == "initialize" && msg.IsRequest():
		p.handleInitialize(msg)
	case msg.Method == "notifications/initialized":
		p.handleInitializedNotification(msg)
	case msg.Method == "notifications/cancelled":
		p.handleCancelledNotification(msg)
	case msg.Method == "ping" && msg.IsRequest():
		p.writeUpstream(jsonrpc.NewResultResponse(msg.ID, json.RawMessage(`{}`)))
	case msg.Method == "tools/list" && msg.IsRequest():
		p.handleToolsList(ctx, msg)
	case msg.Method == "tools/call" && msg.IsRequest():
		p.handleToolsCall(ctx, msg)
	case strings.HasPrefix(msg.Method, "resources/") && msg.IsRequest():
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, &jsonrpc.Error{
			Code: jsonrpc.CodeMethodNotFound, Message: "method not found",
		}))
	case strings.HasPrefix(msg.Method, "prompts/") && msg.IsRequest():
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, &jsonrpc.Error{
			Code: jsonrpc.CodeMethodNotFound, Message: "method not found",
		}))
	default:
		p.forwardToChild(ctx, msg)
	}
}

func (p *Proxy) handleInitialize(msg jsonrpc.Message) {
	result := map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]string{
			"name":    serverName,
			"version": Version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
	p.writeUpstream(jsonrpc.NewResultResponse(msg.ID, mustMarshal(result)))
}

// handleInitializedNotification buffers notifications/initialized until
// the child is spawned, then replays it (spec.md §4.1).
func (p *Proxy) handleInitializedNotification(msg jsonrpc.Message) {
	p.mu.Lock()
	hasChild := p.child != nil
	if !hasChild {
		p.bufferedInitialized = append(p.bufferedInitialized, mustMarshal(msg))
	}
	p.mu.Unlock()

	if hasChild {
		_ = p.forwardRawToChild(mustMarshal(msg))
	}
}

// handleCancelledNotification removes any pending request matching
// requestId and, per spec.md §9's resolved open question, explicitly
// cancels the local waiter task rather than only bookkeeping cleanup.
func (p *Proxy) handleCancelledNotification(msg jsonrpc.Message) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if msg.Params != nil {
		_ = json.Unmarshal(msg.Params, &params)
	}
	id := jsonrpc.IDString(params.RequestID)
	if id == "" {
		return
	}
	// Pending entries are keyed by the child-facing id; the client cancels
	// by its own (upstream) id.
	p.pending.mu.Lock()
	var matched []*pendingEntry
	for childID, e := range p.pending.entries {
		if jsonrpc.IDString(e.upstreamID) == id {
			delete(p.pending.entries, childID)
			matched = append(matched, e)
		}
	}
	p.pending.mu.Unlock()
	for _, e := range matched {
		select {
		case e.done <- pendingResult{cancelled: true}:
		default:
		}
	}

	p.forwardToChildBestEffort(msg)
}

func (p *Proxy) handleToolsList(ctx context.Context, msg jsonrpc.Message) {
	if !p.hasChild() {
		p.writeUpstream(jsonrpc.NewResultResponse(msg.ID, SyntheticOnlyToolsList()))
		return
	}

	resp, err := p.forwardAndWait(ctx, msg, false, "")
	if err != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, err))
		return
	}
	if resp.Error != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, resp.Error))
		return
	}
	merged, mergeErr := InterceptToolsList(resp.Result)
	if mergeErr != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, mergeErr.Error())))
		return
	}
	p.writeUpstream(jsonrpc.NewResultResponse(msg.ID, merged))
}

func (p *Proxy) handleToolsCall(ctx context.Context, msg jsonrpc.Message) {
	var params callParams
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInvalidParams, "invalid tools/call params")))
			return
		}
	}

	if syntheticToolNames()[params.Name] {
		p.handleSyntheticTool(msg.ID, params)
		return
	}

	if params.Name == "codex" || params.Name == "codex-reply" {
		p.handleCodexCall(ctx, msg, params)
		return
	}

	// Unknown tool name: forward as-is and let the child decide.
	p.forwardToChild(ctx, msg)
}
