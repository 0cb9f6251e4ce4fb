package daemon_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/daemon"
)

func TestDispatcher_UnknownCommand(t *testing.T) {
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{Version: daemon.ProtocolVersion, Command: "nonsense"})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, daemon.ErrUnknownCommand, resp.Error.Code)
}

func TestDispatcher_AgentStateNotFound(t *testing.T) {
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "agent-state",
		Payload: json.RawMessage(`{"agent":"ghost"}`),
	})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, daemon.ErrAgentNotFound, resp.Error.Code)
}

func TestDispatcher_AgentStateMissingParam(t *testing.T) {
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "agent-state",
		Payload: json.RawMessage(`{}`),
	})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, daemon.ErrMissingParam, resp.Error.Code)
}

func TestDispatcher_AgentStateFound(t *testing.T) {
	tracker := daemon.NewAgentStateTracker()
	tracker.SessionStart("arch-ctm", "atm-dev", "sess-1", 1234)
	tracker.TurnComplete("arch-ctm")
	d := daemon.NewDispatcher(tracker, daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "agent-state",
		Payload: json.RawMessage(`{"agent":"arch-ctm"}`),
	})
	require.Equal(t, "ok", resp.Status)

	var payload struct {
		Agent string `json:"agent"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	assert.Equal(t, "arch-ctm", payload.Agent)
	assert.Equal(t, "idle", payload.State)
}

func TestDispatcher_ListAgents(t *testing.T) {
	tracker := daemon.NewAgentStateTracker()
	tracker.SessionStart("a", "team", "s1", 1)
	tracker.SessionStart("b", "team", "s2", 2)
	d := daemon.NewDispatcher(tracker, daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{Version: daemon.ProtocolVersion, Command: "list-agents"})
	require.Equal(t, "ok", resp.Status)

	var payload struct {
		Agents []struct {
			Agent string `json:"agent"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	assert.Len(t, payload.Agents, 2)
}

func TestDispatcher_SubscribeThenUnsubscribe(t *testing.T) {
	subs := daemon.NewSubscriptionManager()
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), subs, nil)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "subscribe",
		Payload: json.RawMessage(`{"subscriber":"cli-1","agent":"a","team":"t","events":["idle"]}`),
	})
	require.Equal(t, "ok", resp.Status)

	subs.Broadcast(daemon.SubscribeEvent{Agent: "a", Team: "t", Kind: "idle"})

	resp = d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "unsubscribe",
		Payload: json.RawMessage(`{"subscriber":"cli-1"}`),
	})
	assert.Equal(t, "ok", resp.Status)
}

type fakeLauncher struct {
	result daemon.LaunchResult
	err    error
}

func (f fakeLauncher) Launch(ctx context.Context, cfg daemon.LaunchConfig) (daemon.LaunchResult, error) {
	return f.result, f.err
}

func TestDispatcher_LaunchMissingParam(t *testing.T) {
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), fakeLauncher{})

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "launch",
		Payload: json.RawMessage(`{"agent":"a"}`),
	})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, daemon.ErrMissingParam, resp.Error.Code)
}

func TestDispatcher_LaunchNoLauncherConfigured(t *testing.T) {
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), nil)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "launch",
		Payload: json.RawMessage(`{"agent":"a","team":"t","command":"codex --yolo"}`),
	})
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, daemon.ErrInternal, resp.Error.Code)
}

func TestDispatcher_LaunchSuccess(t *testing.T) {
	launcher := fakeLauncher{result: daemon.LaunchResult{Agent: "a", PaneTarget: "%1", State: "launching"}}
	d := daemon.NewDispatcher(daemon.NewAgentStateTracker(), daemon.NewSubscriptionManager(), launcher)

	resp := d.Handle(context.Background(), daemon.Request{
		Version: daemon.ProtocolVersion,
		Command: "launch",
		Payload: json.RawMessage(`{"agent":"a","team":"t","command":"codex --yolo"}`),
	})
	require.Equal(t, "ok", resp.Status)

	var result daemon.LaunchResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "%1", result.PaneTarget)
}
