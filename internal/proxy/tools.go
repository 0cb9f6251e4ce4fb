package proxy

import (
	"encoding/json"
	"fmt"
)

// ToolSchema is one entry in a tools/list result (SPEC_FULL.md §C.1,
// "atm_tools schema introspection helper").
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// extendedCodexSchema is the proxy's replacement for the child's "codex"
// tool schema, adding identity/agent_id/agent_file/cwd (spec.md §4.1,
// tools/list handling).
var extendedCodexSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string", "description": "Initial prompt for a new session."},
    "agent_file": {"type": "string", "description": "Path to a file whose contents become the initial prompt."},
    "identity": {"type": "string", "description": "ATM identity to bind this session to (defaults to the proxy's configured identity)."},
    "agent_id": {"type": "string", "description": "Resume an existing session by agent_id instead of starting a new one."},
    "agent_file_cwd": {"type": "string", "description": "Working directory used to resolve agent_file, if relative."},
    "cwd": {"type": "string", "description": "Working directory for the new or resumed session."}
  }
}`)

// syntheticTools is the fixed set of 7 ATM tools appended to every
// tools/list response (spec.md §4.1).
func syntheticTools() []ToolSchema {
	return []ToolSchema{
		{
			Name:        "atm_send",
			Description: "Send a mail message to another agent in the team.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "Recipient, as \"agent\" or \"agent@team\"."},
					"message": {"type": "string"},
					"summary": {"type": "string"}
				},
				"required": ["to", "message"]
			}`),
		},
		{
			Name:        "atm_read",
			Description: "Read the caller's inbox.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"all": {"type": "boolean", "description": "Include already-read messages."},
					"mark_read": {"type": "boolean", "description": "Mark returned messages as read (default true)."},
					"limit": {"type": "integer", "description": "Maximum messages to return (default 10)."},
					"since": {"type": "string", "description": "RFC3339 timestamp lower bound."},
					"from": {"type": "string", "description": "Filter by sender."}
				}
			}`),
		},
		{
			Name:        "atm_broadcast",
			Description: "Send a mail message to every member of the team except the caller.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string"},
					"summary": {"type": "string"},
					"team": {"type": "string"}
				},
				"required": ["message"]
			}`),
		},
		{
			Name:        "atm_pending_count",
			Description: "Count unread messages in the caller's inbox without mutating it.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "agent_sessions",
			Description: "List every known session for this proxy.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "agent_status",
			Description: "Summarize this proxy's current status.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "agent_close",
			Description: "Close a session by agent_id.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"agent_id": {"type": "string"}},
				"required": ["agent_id"]
			}`),
		},
	}
}

// DescribeTools renders the full synthetic tool list, the same entries
// tools/list handling appends (SPEC_FULL.md §C.1). The proxy binary has no
// flag that prints it.
func DescribeTools() []ToolSchema {
	return syntheticTools()
}

// syntheticToolNames is used for membership checks when dispatching
// tools/call.
func syntheticToolNames() map[string]bool {
	names := make(map[string]bool)
	for _, t := range syntheticTools() {
		names[t.Name] = true
	}
	return names
}

func toolName(tool map[string]json.RawMessage) string {
	raw, ok := tool["name"]
	if !ok {
		return ""
	}
	var name string
	_ = json.Unmarshal(raw, &name)
	return name
}

// InterceptToolsList rewrites a child's tools/list result: the "codex"
// entry's inputSchema is replaced with extendedCodexSchema, then the 7
// synthetic tools are appended, deduplicated by name so a replayed
// tools/list (e.g. a reconnecting client) never produces duplicates
// (spec.md §9 open question 3, resolved as dedup-by-name).
func InterceptToolsList(childResult json.RawMessage) (json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(childResult, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parse tools/list result: %w", err)
	}

	var tools []map[string]json.RawMessage
	if toolsRaw, ok := raw["tools"]; ok {
		if err := json.Unmarshal(toolsRaw, &tools); err != nil {
			return nil, fmt.Errorf("proxy: parse tools/list tools array: %w", err)
		}
	}

	seen := make(map[string]bool, len(tools))
	merged := make([]map[string]json.RawMessage, 0, len(tools)+len(syntheticTools()))
	for _, tool := range tools {
		name := toolName(tool)
		if name == "codex" {
			tool["inputSchema"] = extendedCodexSchema
		}
		if name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		merged = append(merged, tool)
	}

	for _, st := range syntheticTools() {
		if seen[st.Name] {
			continue
		}
		seen[st.Name] = true
		merged = append(merged, toolSchemaToMap(st))
	}

	raw["tools"] = mustMarshal(merged)
	return mustMarshal(raw), nil
}

// SyntheticOnlyToolsList builds a tools/list result containing just the
// synthetic tools, used when tools/list arrives before the child has been
// spawned (spec.md §4.1, "If the child is not yet spawned...").
func SyntheticOnlyToolsList() json.RawMessage {
	tools := make([]map[string]json.RawMessage, 0, len(syntheticTools()))
	for _, st := range syntheticTools() {
		tools = append(tools, toolSchemaToMap(st))
	}
	return mustMarshal(map[string]json.RawMessage{"tools": mustMarshal(tools)})
}

func toolSchemaToMap(t ToolSchema) map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"name":        mustMarshal(t.Name),
		"description": mustMarshal(t.Description),
		"inputSchema": t.InputSchema,
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every caller marshals values built from static literals or
		// already-validated json.RawMessage; a failure here means a bug.
		panic(fmt.Sprintf("proxy: marshal: %v", err))
	}
	return b
}
