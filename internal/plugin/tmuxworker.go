package plugin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/daemon"
	"github.com/atm-mail/atm/internal/inbox"
)

// paneRoute tracks one agent's tmux pane and its concurrency queue state.
type paneRoute struct {
	pane string
	team string

	mu   sync.Mutex
	busy bool
	queue []string // pending sendkeys payloads, "queue" concurrency mode only
}

// WorkerAdapterPlugin spawns agents in tmux panes via a configurable
// command, routes inbound mail to the correct pane with a per-agent
// concurrency policy, and drives a NudgeEngine off Busy->Idle transitions
// (spec.md §4.6, "Worker adapter (tmux)").
type WorkerAdapterPlugin struct {
	cfg     config.TmuxWorkerConfig
	tracker *daemon.AgentStateTracker
	nudge   *NudgeEngine

	pctx *Context

	mu     sync.Mutex
	routes map[string]*paneRoute // agent -> route

	runTmux func(ctx context.Context, args ...string) (string, error)
}

// NewWorkerAdapterPlugin builds the plugin over tracker, the daemon's agent
// state source of truth. NudgeEngine is constructed internally, sharing the
// plugin's tmux sender.
func NewWorkerAdapterPlugin(cfg config.TmuxWorkerConfig, tracker *daemon.AgentStateTracker) *WorkerAdapterPlugin {
	p := &WorkerAdapterPlugin{
		cfg:     cfg,
		tracker: tracker,
		routes:  make(map[string]*paneRoute),
	}
	p.runTmux = p.execTmux
	p.nudge = NewNudgeEngine(cfg, tracker, p)
	return p
}

func (p *WorkerAdapterPlugin) Name() string { return "tmux-worker" }

func (p *WorkerAdapterPlugin) Init(ctx context.Context, pctx *Context) error {
	p.pctx = pctx
	p.nudge.pctx = pctx
	return nil
}

func (p *WorkerAdapterPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *WorkerAdapterPlugin) Run(ctx context.Context) error {
	return p.nudge.Run(ctx)
}

func (p *WorkerAdapterPlugin) execTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("plugin: tmux %s: %w: %s", strings.Join(args, " "), err, out.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// Launch implements daemon.Launcher: spawns a new tmux window running
// cfg.Command (or cfg.SpawnCommand if cfg.Command is empty), exporting
// ATM_IDENTITY/ATM_TEAM plus any extra env vars, and optionally sends the
// initial prompt once the agent reaches Idle (spec.md §6, LaunchConfig).
func (p *WorkerAdapterPlugin) Launch(ctx context.Context, cfg daemon.LaunchConfig) (daemon.LaunchResult, error) {
	command := cfg.Command
	if command == "" && len(p.cfg.SpawnCommand) > 0 {
		command = strings.Join(p.cfg.SpawnCommand, " ")
	}
	if command == "" {
		command = "codex --yolo"
	}

	envPrefix := fmt.Sprintf("ATM_IDENTITY=%s ATM_TEAM=%s ", cfg.Agent, cfg.Team)
	for k, v := range cfg.EnvVars {
		envPrefix += fmt.Sprintf("%s=%s ", k, v)
	}

	out, err := p.runTmux(ctx, "new-window", "-dP", "-n", cfg.Agent, "-F", "#{pane_id}", envPrefix+command)
	if err != nil {
		return daemon.LaunchResult{}, err
	}
	pane := out

	p.mu.Lock()
	p.routes[cfg.Agent] = &paneRoute{pane: pane, team: cfg.Team}
	p.mu.Unlock()
	p.tracker.SetPaneTarget(cfg.Agent, pane)

	result := daemon.LaunchResult{Agent: cfg.Agent, PaneTarget: pane, State: string(daemon.StateLaunching)}

	if cfg.Prompt == "" {
		return result, nil
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if !p.waitForIdle(ctx, cfg.Agent, timeout) {
		result.Warning = "readiness timeout reached before agent transitioned to Idle; prompt not sent"
		return result, nil
	}
	if err := p.sendOnce(ctx, pane, cfg.Prompt); err != nil {
		result.Warning = "agent became idle but the initial prompt failed to send: " + err.Error()
	}
	return result, nil
}

func (p *WorkerAdapterPlugin) waitForIdle(ctx context.Context, agent string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if rec, ok := p.tracker.Get(agent); ok && rec.State == daemon.StateIdle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return false
}

// SendKeys routes text to agent's pane, applying the configured
// concurrency policy: "queue" serializes sends one at a time per agent,
// "reject" fails immediately if a send is already in flight, "concurrent"
// fires immediately regardless.
func (p *WorkerAdapterPlugin) SendKeys(ctx context.Context, agent, text string) error {
	p.mu.Lock()
	route, ok := p.routes[agent]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin: tmux worker: no pane registered for agent %q", agent)
	}

	mode := p.cfg.ConcurrencyMode
	if mode == "" {
		mode = "queue"
	}

	switch mode {
	case "reject":
		route.mu.Lock()
		if route.busy {
			route.mu.Unlock()
			return fmt.Errorf("plugin: tmux worker: agent %q is busy, rejecting send", agent)
		}
		route.busy = true
		route.mu.Unlock()
		defer func() {
			route.mu.Lock()
			route.busy = false
			route.mu.Unlock()
		}()
		return p.sendOnce(ctx, route.pane, text)

	case "concurrent":
		return p.sendOnce(ctx, route.pane, text)

	default: // "queue"
		route.mu.Lock()
		alreadyRunning := route.busy
		route.queue = append(route.queue, text)
		route.busy = true
		route.mu.Unlock()
		if alreadyRunning {
			return nil
		}
		go p.drainQueue(ctx, route)
		return nil
	}
}

func (p *WorkerAdapterPlugin) drainQueue(ctx context.Context, route *paneRoute) {
	for {
		route.mu.Lock()
		if len(route.queue) == 0 {
			route.busy = false
			route.mu.Unlock()
			return
		}
		next := route.queue[0]
		route.queue = route.queue[1:]
		route.mu.Unlock()

		if err := p.sendOnce(ctx, route.pane, next); err != nil {
			// Logged here; the queue keeps draining.
			slog.Warn("plugin: tmux worker: queued send failed", "pane", route.pane, "error", err)
			continue
		}
	}
}

func (p *WorkerAdapterPlugin) sendOnce(ctx context.Context, pane, text string) error {
	_, err := p.runTmux(ctx, "send-keys", "-t", pane, text, "Enter")
	return err
}

// sendEnterOnly sends a bare Enter keystroke, used by the nudge engine's
// delayed retry (spec.md §4.6, "schedules one retry (Enter-only) 3s later").
func (p *WorkerAdapterPlugin) sendEnterOnly(ctx context.Context, pane string) error {
	_, err := p.runTmux(ctx, "send-keys", "-t", pane, "Enter")
	return err
}

// HandleMessage is a no-op: the worker adapter has no single synthetic
// identity of its own (it fans out to every tmux-spawned agent, not one bot
// mailbox), so host.DeliverMessage's Addressee-based routing does not apply
// to it. New-mail awareness for tmux agents instead comes from the
// NudgeEngine's poll loop, which notices unread mail within one tick.
func (p *WorkerAdapterPlugin) HandleMessage(ctx context.Context, msg inbox.Message) error {
	return nil
}
