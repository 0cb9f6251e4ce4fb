package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/atm-mail/atm/internal/gitutil"
	"github.com/atm-mail/atm/internal/idgen"
	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/session"
)

// structuredContent is the shape of a "codex" tool result's
// result.structuredContent, which carries the backend-assigned threadId
// (spec.md §4.1 step 5).
type structuredContent struct {
	ThreadID string `json:"threadId"`
}

type toolCallResult struct {
	StructuredContent *structuredContent `json:"structuredContent,omitempty"`
}

// ensureChild lazily spawns the child if it hasn't been already, under the
// proxy's mutex (spec.md §4.1, "spawn child if absent").
func (p *Proxy) ensureChild(ctx context.Context, cwd string) error {
	p.mu.Lock()
	if p.child != nil {
		p.mu.Unlock()
		return nil
	}

	c, err := spawnChild(ctx, p.cfg.ChildCommand, cwd, p.handleChildLine, p.handleChildExit)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.child = c
	buffered := p.bufferedInitialized
	p.bufferedInitialized = nil
	p.mu.Unlock()

	for _, b := range buffered {
		_ = p.forwardRawToChild(b)
	}
	return nil
}

// handleCodexCall implements spec.md §4.1's "codex tool call path".
func (p *Proxy) handleCodexCall(ctx context.Context, msg jsonrpc.Message, params callParams) {
	agentIDArg := stringArg(params.Arguments, "agent_id")

	if agentIDArg != "" {
		p.handleResumeCall(ctx, msg, params, agentIDArg)
		return
	}
	p.handleNewSessionCall(ctx, msg, params)
}

func (p *Proxy) handleResumeCall(ctx context.Context, msg jsonrpc.Message, params callParams, agentID string) {
	entry, ok := p.registry.Get(agentID)
	if !ok {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeSessionNotFound, "session not found")))
		return
	}
	if entry.ThreadID == "" {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, "session has no assigned thread_id yet")))
		return
	}

	cwd := stringArg(params.Arguments, "cwd")
	if cwd != "" {
		p.registry.SetCwd(agentID, cwd)
	} else {
		cwd = entry.Cwd
	}

	git := gitutil.Detect(cwd)
	p.registry.Touch(agentID, git.RepoRoot, git.RepoName, git.Branch)
	p.threadIDs.set(entry.ThreadID, agentID)

	if params.Arguments == nil {
		params.Arguments = map[string]json.RawMessage{}
	}
	params.Arguments["threadId"] = mustMarshal(entry.ThreadID)
	params.Arguments["developerInstructions"] = mustMarshal(buildDeveloperInstructions(entry.Identity, entry.Team, cwd, git))
	params.Name = "codex-reply"

	if err := p.ensureChild(ctx, cwd); err != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, err.Error())))
		return
	}

	p.forwardCodexRequest(ctx, msg, params, false, agentID)
}

func (p *Proxy) handleNewSessionCall(ctx context.Context, msg jsonrpc.Message, params callParams) {
	prompt := stringArg(params.Arguments, "prompt")
	agentFile := stringArg(params.Arguments, "agent_file")

	if prompt != "" && agentFile != "" {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInvalidSessionParams, "prompt and agent_file are mutually exclusive")))
		return
	}
	if agentFile != "" {
		if _, err := os.Stat(agentFile); err != nil {
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeAgentFileNotFound, "agent_file not found: "+agentFile)))
			return
		}
	}

	identity := resolveIdentity(stringArg(params.Arguments, "identity"), p.cfg.Identity)
	if identity == "" {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeIdentityRequired, "identity required")))
		return
	}
	team := p.cfg.Team

	lockPath := p.cfg.SessionsDir.IdentityLockPath(team, identity)
	lock := session.NewIdentityLock(lockPath)
	if held, _, err := lock.Held(); err == nil && held {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeIdentityConflict, "identity conflict: "+identity)))
		return
	}
	if _, ok := p.registry.FindByIdentity(team, identity); ok {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeIdentityConflict, "identity conflict: "+identity)))
		return
	}

	cwd := stringArg(params.Arguments, "cwd")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	if err := p.ensureChild(ctx, cwd); err != nil {
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, err.Error())))
		return
	}

	git := gitutil.Detect(cwd)
	entry, err := p.registry.Register(identity, team, cwd, git.RepoRoot, git.RepoName, git.Branch)
	if err != nil {
		switch err.(type) {
		case *session.IdentityConflictError:
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeIdentityConflict, err.Error())))
		case *session.MaxSessionsExceededError:
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeMaxSessionsExceeded, err.Error())))
		default:
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, err.Error())))
		}
		return
	}

	if err := lock.Acquire(entry.AgentID); err != nil {
		p.registry.Close(entry.AgentID)
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeIdentityConflict, err.Error())))
		return
	}

	if params.Arguments == nil {
		params.Arguments = map[string]json.RawMessage{}
	}
	if agentFile != "" {
		data, readErr := os.ReadFile(agentFile)
		if readErr != nil {
			p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewProxyError(jsonrpc.CodeAgentFileNotFound, readErr.Error())))
			return
		}
		params.Arguments["prompt"] = mustMarshal(string(data))
	}
	params.Arguments["developerInstructions"] = mustMarshal(buildDeveloperInstructions(identity, team, cwd, git))
	delete(params.Arguments, "identity")
	delete(params.Arguments, "agent_file")
	delete(params.Arguments, "agent_file_cwd")

	p.forwardCodexRequest(ctx, msg, params, true, entry.AgentID)
}

// forwardCodexRequest forwards a prepared codex/codex-reply request to the
// child, applying the per-request timeout and the new-session threadId
// capture described in spec.md §4.1 step 5.
func (p *Proxy) forwardCodexRequest(ctx context.Context, msg jsonrpc.Message, params callParams, newSession bool, agentID string) {
	newMsg := msg
	newMsg.Params = mustMarshal(params)

	resp, rpcErr := p.forwardAndWait(ctx, newMsg, newSession, agentID)
	if rpcErr != nil {
		if newSession {
			if entry, ok := p.registry.Get(agentID); ok {
				_ = session.NewIdentityLock(p.cfg.SessionsDir.IdentityLockPath(entry.Team, entry.Identity)).Release()
			}
			p.registry.Close(agentID)
		}
		p.writeUpstream(jsonrpc.NewErrorResponse(msg.ID, rpcErr))
		return
	}

	if resp.Error == nil && resp.Result != nil {
		var tc toolCallResult
		if err := json.Unmarshal(resp.Result, &tc); err == nil && tc.StructuredContent != nil && tc.StructuredContent.ThreadID != "" {
			p.registry.SetThreadID(agentID, tc.StructuredContent.ThreadID)
			p.threadIDs.set(tc.StructuredContent.ThreadID, agentID)
		}
	}

	resp.ID = msg.ID
	p.writeUpstream(resp)
}

// forwardAndWait forwards msg to the child with a fresh child-facing
// request id, registers a pending waiter, and blocks until the child
// responds, the process dies, the request is cancelled, or the per-request
// timeout elapses (spec.md §4.1 step 5, §5).
func (p *Proxy) forwardAndWait(ctx context.Context, msg jsonrpc.Message, newSession bool, agentID string) (jsonrpc.Message, *jsonrpc.Error) {
	p.mu.Lock()
	c := p.child
	p.mu.Unlock()
	if c == nil {
		return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, "no child process")
	}

	childID := idgen.RequestID()
	entry := &pendingEntry{
		upstreamID: msg.ID,
		newSession: newSession,
		agentID:    agentID,
		done:       make(chan pendingResult, 1),
	}
	p.pending.register(childID, entry)
	defer p.pending.take(childID)

	childMsg := msg
	childMsg.ID = mustMarshal(childID)
	body, err := json.Marshal(childMsg)
	if err != nil {
		return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, err.Error())
	}
	if err := c.writeLine(body); err != nil {
		return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, "write to child: "+err.Error())
	}

	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	select {
	case res := <-entry.done:
		if res.cancelled {
			return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, "request cancelled")
		}
		if res.childDied {
			return jsonrpc.Message{}, jsonrpc.NewChildDeadError(res.exitCode)
		}
		return res.raw, nil
	case <-ctx.Done():
		return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeInternalError, ctx.Err().Error())
	case <-time.After(timeout):
		cancelNotif := jsonrpc.NewNotification("notifications/cancelled", mustMarshal(map[string]string{"requestId": childID}))
		p.forwardToChildBestEffort(cancelNotif)
		return jsonrpc.Message{}, jsonrpc.NewProxyError(jsonrpc.CodeTimeout, "request timed out")
	}
}

// handleChildLine is the per-line callback for the child's stdout
// (spec.md §4.1, "Event forwarding").
func (p *Proxy) handleChildLine(line []byte) {
	var msg jsonrpc.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("proxy: failed to parse child line", "error", err)
		return
	}

	if msg.IsResponse() {
		id := jsonrpc.IDString(msg.ID)
		if entry, ok := p.pending.take(id); ok {
			select {
			case entry.done <- pendingResult{raw: msg}:
			default:
			}
		}
		return
	}

	if msg.Method == "codex/event" {
		p.forwardChildEvent(msg)
		return
	}

	// Any other request/notification from the child with no ATM-specific
	// handling is forwarded upstream unmodified.
	p.writeUpstream(msg)
}

// handleChildExit fails every pending request with ERR_CHILD_DEAD,
// carrying the exit code (spec.md §4.1 step 5, §4.7).
func (p *Proxy) handleChildExit(exitCode int, err error) {
	slog.Warn("proxy: child exited", "exit_code", exitCode, "error", err)
	for _, e := range p.pending.drainAll() {
		select {
		case e.done <- pendingResult{childDied: true, exitCode: exitCode}:
		default:
		}
	}
}

func stringArg(args map[string]json.RawMessage, key string) string {
	raw, ok := args[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

