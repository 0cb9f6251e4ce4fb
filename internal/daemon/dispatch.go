package daemon

import (
	"context"
	"encoding/json"
	"fmt"
)

// agentStatePayload is the agent-state command's response payload.
type agentStatePayload struct {
	Agent          string `json:"agent"`
	Team           string `json:"team,omitempty"`
	State          string `json:"state"`
	LastTransition string `json:"last_transition"`
	SessionID      string `json:"session_id,omitempty"`
	SessionDead    bool   `json:"session_dead"`
}

type listAgentsPayload struct {
	Agents []agentStatePayload `json:"agents"`
}

type agentPanePayload struct {
	Agent      string `json:"agent"`
	PaneTarget string `json:"pane_target"`
}

// LaunchConfig mirrors the daemon's launch command payload (spec.md §6,
// LaunchConfig).
type LaunchConfig struct {
	Agent       string            `json:"agent"`
	Team        string            `json:"team"`
	Command     string            `json:"command"`
	Prompt      string            `json:"prompt,omitempty"`
	TimeoutSecs int               `json:"timeout_secs"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
}

// LaunchResult mirrors the daemon's launch command reply.
type LaunchResult struct {
	Agent      string `json:"agent"`
	PaneTarget string `json:"pane_target"`
	State      string `json:"state"`
	Warning    string `json:"warning,omitempty"`
}

// Launcher spawns a new agent in response to the launch command. The tmux
// worker-adapter plugin implements this; command dispatch only needs the
// interface so it can stay independent of the plugin package.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (LaunchResult, error)
}

func toAgentStatePayload(r AgentRecord) agentStatePayload {
	return agentStatePayload{
		Agent:          r.Agent,
		Team:           r.Team,
		State:          string(r.State),
		LastTransition: r.LastTransition.UTC().Format("2006-01-02T15:04:05Z07:00"),
		SessionID:      r.SessionID,
		SessionDead:    r.SessionDead,
	}
}

// Dispatcher builds the Handler passed to Serve, routing each command to the
// daemon's in-memory state per spec.md §4.4.
type Dispatcher struct {
	tracker *AgentStateTracker
	subs    *SubscriptionManager
	launch  Launcher
}

// NewDispatcher wires a Dispatcher over the daemon's shared state. launch
// may be nil, in which case the launch command fails with INTERNAL_ERROR.
func NewDispatcher(tracker *AgentStateTracker, subs *SubscriptionManager, launch Launcher) *Dispatcher {
	return &Dispatcher{tracker: tracker, subs: subs, launch: launch}
}

// SetLaunch rewires the launcher used by subsequent launch commands. Lets a
// caller build the launcher (e.g. the tmux worker adapter plugin) after
// daemon.New has already handed out its AgentStateTracker, so the launcher
// can share that exact tracker instance.
func (d *Dispatcher) SetLaunch(launch Launcher) {
	d.launch = launch
}

// Handle implements Handler.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	switch req.Command {
	case "agent-state":
		return d.handleAgentState(req)
	case "list-agents":
		return d.handleListAgents(req)
	case "agent-pane":
		return d.handleAgentPane(req)
	case "subscribe":
		return d.handleSubscribe(req)
	case "unsubscribe":
		return d.handleUnsubscribe(req)
	case "launch":
		return d.handleLaunch(ctx, req)
	default:
		return errResponse(req, ErrUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func decodePayload[T any](req Request) (T, error) {
	var v T
	if len(req.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(req.Payload, &v)
	return v, err
}

func (d *Dispatcher) handleAgentState(req Request) Response {
	payload, err := decodePayload[struct {
		Agent string `json:"agent"`
		Team  string `json:"team,omitempty"`
	}](req)
	if err != nil {
		return errResponse(req, ErrMissingParam, "malformed payload: "+err.Error())
	}
	if payload.Agent == "" {
		return errResponse(req, ErrMissingParam, "agent is required")
	}

	rec, ok := d.tracker.Get(payload.Agent)
	if !ok {
		return errResponse(req, ErrAgentNotFound, fmt.Sprintf("no such agent %q", payload.Agent))
	}
	return okResponse(req, toAgentStatePayload(rec))
}

func (d *Dispatcher) handleListAgents(req Request) Response {
	recs := d.tracker.ListAll()
	out := make([]agentStatePayload, 0, len(recs))
	for _, r := range recs {
		out = append(out, toAgentStatePayload(r))
	}
	return okResponse(req, listAgentsPayload{Agents: out})
}

func (d *Dispatcher) handleAgentPane(req Request) Response {
	payload, err := decodePayload[struct {
		Agent string `json:"agent"`
	}](req)
	if err != nil {
		return errResponse(req, ErrMissingParam, "malformed payload: "+err.Error())
	}
	if payload.Agent == "" {
		return errResponse(req, ErrMissingParam, "agent is required")
	}

	rec, ok := d.tracker.Get(payload.Agent)
	if !ok {
		return errResponse(req, ErrAgentNotFound, fmt.Sprintf("no such agent %q", payload.Agent))
	}
	return okResponse(req, agentPanePayload{Agent: rec.Agent, PaneTarget: rec.PaneTarget})
}

func (d *Dispatcher) handleSubscribe(req Request) Response {
	payload, err := decodePayload[struct {
		Subscriber string   `json:"subscriber"`
		Agent      string   `json:"agent"`
		Team       string   `json:"team"`
		Events     []string `json:"events"`
	}](req)
	if err != nil {
		return errResponse(req, ErrMissingParam, "malformed payload: "+err.Error())
	}
	if payload.Subscriber == "" || payload.Agent == "" {
		return errResponse(req, ErrMissingParam, "subscriber and agent are required")
	}

	d.subs.Subscribe(payload.Subscriber, payload.Agent, payload.Team, payload.Events)
	return okResponse(req, struct {
		Subscribed bool `json:"subscribed"`
	}{true})
}

func (d *Dispatcher) handleUnsubscribe(req Request) Response {
	payload, err := decodePayload[struct {
		Subscriber string `json:"subscriber"`
	}](req)
	if err != nil {
		return errResponse(req, ErrMissingParam, "malformed payload: "+err.Error())
	}
	if payload.Subscriber == "" {
		return errResponse(req, ErrMissingParam, "subscriber is required")
	}

	d.subs.Unsubscribe(payload.Subscriber)
	return okResponse(req, struct {
		Unsubscribed bool `json:"unsubscribed"`
	}{true})
}

func (d *Dispatcher) handleLaunch(ctx context.Context, req Request) Response {
	cfg, err := decodePayload[LaunchConfig](req)
	if err != nil {
		return errResponse(req, ErrMissingParam, "malformed payload: "+err.Error())
	}
	if cfg.Agent == "" || cfg.Team == "" {
		return errResponse(req, ErrMissingParam, "agent and team are required")
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if d.launch == nil {
		return errResponse(req, ErrInternal, "launch is not available: tmux worker adapter plugin is disabled")
	}

	result, err := d.launch.Launch(ctx, cfg)
	if err != nil {
		return errResponse(req, ErrInternal, err.Error())
	}
	return okResponse(req, result)
}
