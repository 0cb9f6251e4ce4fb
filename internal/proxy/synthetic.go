package proxy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atm-mail/atm/internal/inbox"
	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/metrics"
	"github.com/atm-mail/atm/internal/session"
	"github.com/atm-mail/atm/internal/teamconfig"
)

// toolResult is the MCP tools/call result shape for synthetic tools:
// plain text content, with isError signalling an application-level
// failure that is not a JSON-RPC error (spec.md §4.1).
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) json.RawMessage {
	return mustMarshal(toolResult{Content: []toolContent{{Type: "text", Text: text}}})
}

func errorResult(text string) json.RawMessage {
	return mustMarshal(toolResult{Content: []toolContent{{Type: "text", Text: text}}, IsError: true})
}

// handleSyntheticTool dispatches a tools/call for one of the 7 ATM tools
// entirely in-proxy (spec.md §4.1).
func (p *Proxy) handleSyntheticTool(id json.RawMessage, params callParams) {
	// agent_sessions/agent_status/agent_close take no identity argument but
	// every other tool requires one resolved (spec.md §4.1).
	switch params.Name {
	case "agent_sessions":
		p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(p.renderAgentSessions())))
		return
	case "agent_status":
		p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(p.renderAgentStatus())))
		return
	case "agent_close":
		p.handleAgentClose(id, params)
		return
	}

	identity, team := p.callerIdentityAndTeam(stringArg(params.Arguments, "identity"), "")
	if identity == "" {
		p.writeUpstream(jsonrpc.NewErrorResponse(id, jsonrpc.NewProxyError(jsonrpc.CodeIdentityRequired, "identity required")))
		return
	}

	switch params.Name {
	case "atm_send":
		p.handleAtmSend(id, identity, team, params)
	case "atm_read":
		p.handleAtmRead(id, identity, team, params)
	case "atm_broadcast":
		p.handleAtmBroadcast(id, identity, team, params)
	case "atm_pending_count":
		p.handleAtmPendingCount(id, identity, team)
	}
}

func (p *Proxy) handleAtmSend(id json.RawMessage, identity, team string, params callParams) {
	to := stringArg(params.Arguments, "to")
	text := stringArg(params.Arguments, "message")
	summary := stringArg(params.Arguments, "summary")

	agent, toTeam := parseRecipient(to)
	if toTeam == "" {
		toTeam = team
	}

	msg := inbox.Message{
		From:      identity,
		Text:      inbox.TruncateText(text),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Read:      false,
		Summary:   summary,
		MessageID: uuid.NewString(),
	}

	path := p.cfg.Home.InboxPath(toTeam, agent)
	outcome, err := inbox.Append(path, toTeam, agent, msg)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues("atm_send", "error").Inc()
		p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult(fmt.Sprintf("failed to send message: %v", err))))
		return
	}
	if outcome.Queued {
		metrics.ToolCallsTotal.WithLabelValues("atm_send", "queued").Inc()
		p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(fmt.Sprintf("Message queued for delivery to %s@%s", agent, toTeam))))
		return
	}
	metrics.ToolCallsTotal.WithLabelValues("atm_send", "success").Inc()
	p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(fmt.Sprintf("Message sent to %s@%s", agent, toTeam))))
}

type readResultMessage struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"message_id,omitempty"`
}

func (p *Proxy) handleAtmRead(id json.RawMessage, identity, team string, params callParams) {
	all := boolArg(params.Arguments, "all", false)
	markRead := boolArg(params.Arguments, "mark_read", true)
	limit := intArg(params.Arguments, "limit", 10)
	since := stringArg(params.Arguments, "since")
	from := stringArg(params.Arguments, "from")

	path := p.cfg.Home.InboxPath(team, identity)
	msgs, err := inbox.Load(path)
	if err != nil {
		p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult(fmt.Sprintf("failed to read inbox: %v", err))))
		return
	}

	var matched []int // indices into msgs, oldest-to-newest order preserved
	for i, m := range msgs {
		if !all && m.Read {
			continue
		}
		if since != "" && m.Timestamp < since {
			continue
		}
		if from != "" && m.From != from {
			continue
		}
		matched = append(matched, i)
	}

	// Newest N: take the tail of the matched indices.
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]readResultMessage, 0, len(matched))
	ids := make(map[int]bool, len(matched))
	for _, i := range matched {
		m := msgs[i]
		out = append(out, readResultMessage{From: m.From, Text: m.Text, Timestamp: m.Timestamp, MessageID: m.MessageID})
		ids[i] = true
	}

	if markRead && len(ids) > 0 {
		err := inbox.Update(path, func(cur []inbox.Message) []inbox.Message {
			// Re-resolve by message_id since indices may have shifted under
			// concurrent writers; fall back to position if id is empty.
			wanted := make(map[string]bool, len(ids))
			for i := range ids {
				if msgs[i].MessageID != "" {
					wanted[msgs[i].MessageID] = true
				}
			}
			for j := range cur {
				if cur[j].MessageID != "" && wanted[cur[j].MessageID] {
					cur[j].Read = true
				}
			}
			for i := range ids {
				if msgs[i].MessageID == "" && i < len(cur) && cur[i].MessageID == "" {
					cur[i].Read = true
				}
			}
			return cur
		})
		if err != nil {
			p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult(fmt.Sprintf("failed to mark messages read: %v", err))))
			return
		}
	}

	body, _ := json.Marshal(out)
	p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(string(body))))
}

func (p *Proxy) handleAtmBroadcast(id json.RawMessage, identity, team string, params callParams) {
	text := stringArg(params.Arguments, "message")
	summary := stringArg(params.Arguments, "summary")
	targetTeam := stringArg(params.Arguments, "team")
	if targetTeam == "" {
		targetTeam = team
	}

	cfg, err := teamconfig.Load(p.cfg.Home.TeamConfigPath(targetTeam))
	if err != nil {
		p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult(fmt.Sprintf("failed to load team config: %v", err))))
		return
	}

	delivered := 0
	for _, member := range cfg.Members {
		if member.Name == identity {
			continue
		}
		msg := inbox.Message{
			From:      identity,
			Text:      inbox.TruncateText(text),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Read:      false,
			Summary:   summary,
			MessageID: uuid.NewString(),
		}
		path := p.cfg.Home.InboxPath(targetTeam, member.Name)
		if _, err := inbox.Append(path, targetTeam, member.Name, msg); err != nil {
			continue
		}
		delivered++
	}

	p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(fmt.Sprintf("Broadcast delivered to %d members", delivered))))
}

func (p *Proxy) handleAtmPendingCount(id json.RawMessage, identity, team string) {
	path := p.cfg.Home.InboxPath(team, identity)
	msgs, err := inbox.Load(path)
	if err != nil {
		p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult(fmt.Sprintf("failed to read inbox: %v", err))))
		return
	}
	count := 0
	for _, m := range msgs {
		if !m.Read {
			count++
		}
	}
	p.writeUpstream(jsonrpc.NewResultResponse(id, textResult(fmt.Sprintf("%d", count))))
}

type sessionView struct {
	AgentID    string `json:"agent_id"`
	Identity   string `json:"identity"`
	Team       string `json:"team"`
	ThreadID   string `json:"thread_id,omitempty"`
	Status     string `json:"status"`
	Resumable  bool   `json:"resumable"`
	LastActive string `json:"last_active"`
}

// renderAgentSessions lists every SessionEntry, newest-last_active-first
// (SPEC_FULL.md §C.4).
func (p *Proxy) renderAgentSessions() string {
	entries := p.registry.ListAll()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActive.After(entries[j].LastActive)
	})

	views := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, sessionView{
			AgentID:    e.AgentID,
			Identity:   e.Identity,
			Team:       e.Team,
			ThreadID:   e.ThreadID,
			Status:     string(e.Status),
			Resumable:  e.Resumable(),
			LastActive: e.LastActive.Format(time.RFC3339),
		})
	}
	body, _ := json.Marshal(views)
	return string(body)
}

type statusView struct {
	ChildAlive        bool           `json:"child_alive"`
	Team              string         `json:"team"`
	StartedAt         string         `json:"started_at"`
	UptimeSecs        float64        `json:"uptime_secs"`
	ActiveThreadCount int            `json:"active_thread_count"`
	PendingMailCount  int            `json:"pending_mail_count"`
	IdentityMap       map[string]int `json:"identity_map"`
}

func (p *Proxy) renderAgentStatus() string {
	msgs, _ := inbox.Load(p.identityInboxPath())
	pending := 0
	for _, m := range msgs {
		if !m.Read {
			pending++
		}
	}

	identityCounts := map[string]int{}
	active := 0
	for _, e := range p.registry.ListAll() {
		if e.Status == session.StatusActive {
			active++
			identityCounts[e.Identity]++
		}
	}

	view := statusView{
		ChildAlive:        p.childAlive(),
		Team:              p.cfg.Team,
		StartedAt:         p.startedAt.Format(time.RFC3339),
		UptimeSecs:        time.Since(p.startedAt).Seconds(),
		ActiveThreadCount: active,
		PendingMailCount:  pending,
		IdentityMap:       identityCounts,
	}
	body, _ := json.Marshal(view)
	return string(body)
}

func (p *Proxy) handleAgentClose(id json.RawMessage, params callParams) {
	agentID := stringArg(params.Arguments, "agent_id")
	entry, ok := p.registry.Get(agentID)
	if !ok {
		p.writeUpstream(jsonrpc.NewResultResponse(id, errorResult("unknown agent_id: "+agentID)))
		return
	}
	p.registry.Close(agentID)
	_ = session.NewIdentityLock(p.cfg.SessionsDir.IdentityLockPath(entry.Team, entry.Identity)).Release()
	p.writeUpstream(jsonrpc.NewResultResponse(id, textResult("closed "+agentID)))
}

func boolArg(args map[string]json.RawMessage, key string, def bool) bool {
	raw, ok := args[key]
	if !ok {
		return def
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return def
	}
	return b
}

func intArg(args map[string]json.RawMessage, key string, def int) int {
	raw, ok := args[key]
	if !ok {
		return def
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return def
	}
	return n
}
