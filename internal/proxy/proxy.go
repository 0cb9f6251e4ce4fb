package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/session"
)

// serverName is the proxy's own identity, returned directly for
// "initialize" without needing the child (spec.md §4.1).
const serverName = "atm-proxy"

// Version is the proxy's reported version, overridable at link time.
var Version = "dev"

// Proxy is one instance of the MCP stdio proxy (spec.md §4.1).
type Proxy struct {
	cfg      Config
	registry *session.Registry

	mu    sync.Mutex // guards child + bufferedInitialized
	child *child

	pending   *pendingMap
	threadIDs *threadMap

	upstreamWriter *jsonrpc.Writer
	upstreamWrMu   sync.Mutex

	bufferedInitialized []json.RawMessage

	eventCh       chan jsonrpc.Message
	droppedEvents atomic.Int64
	inFlight      atomic.Int32

	startedAt time.Time

	shutdownOnce sync.Once
	stopMailPoll chan struct{}
}

// New builds a Proxy. The session registry is loaded from
// <sessions_dir>/<team>/registry.json if present, with every persisted
// Active entry rehydrated as Stale (spec.md §3, §4.3).
func New(cfg Config) *Proxy {
	registry := session.NewRegistry(cfg.MaxSessions)
	if err := session.Load(cfg.SessionsDir.RegistryPath(cfg.Team), registry); err != nil {
		slog.Warn("proxy: failed to load session registry", "error", err)
	}

	cap := cfg.EventChannelCapacity
	if cap <= 0 {
		cap = 256
	}

	return &Proxy{
		cfg:          cfg,
		registry:     registry,
		pending:      newPendingMap(),
		threadIDs:    newThreadMap(),
		eventCh:      make(chan jsonrpc.Message, cap),
		startedAt:    time.Now().UTC(),
		stopMailPoll: make(chan struct{}),
	}
}

// Run drives the top-level select loop: read framed messages from
// upstream, dispatch each, until EOF or ctx is cancelled (spec.md §5).
func (p *Proxy) Run(ctx context.Context, upstreamIn *jsonrpc.Reader, upstreamOut *jsonrpc.Writer) error {
	p.upstreamWriter = upstreamOut

	go p.runMailPoller(ctx)
	go p.runEventForwarder(ctx)

	for {
		select {
		case <-ctx.Done():
			p.Shutdown()
			return ctx.Err()
		default:
		}

		raw, err := upstreamIn.ReadMessage()
		if err != nil {
			p.Shutdown()
			return err
		}

		var msg jsonrpc.Message
		if jsonErr := json.Unmarshal(raw, &msg); jsonErr != nil {
			p.writeUpstream(jsonrpc.NewErrorResponse(nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeParseError,
				Message: "parse error",
			}))
			continue
		}

		p.dispatch(ctx, msg)
	}
}

// writeUpstream serializes and writes one message to the client, holding
// the writer mutex only for the duration of this frame.
func (p *Proxy) writeUpstream(msg jsonrpc.Message) {
	msg.JSONRPC = jsonrpc.Version
	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("proxy: marshal upstream message", "error", err)
		return
	}
	p.upstreamWrMu.Lock()
	defer p.upstreamWrMu.Unlock()
	if err := p.upstreamWriter.WriteMessage(body); err != nil {
		slog.Error("proxy: write upstream message", "error", err)
	}
}

// Shutdown releases every active session's identity lock, drops the
// child's stdin, and grace-kills it if still alive (spec.md §4.1,
// "Shutdown").
func (p *Proxy) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.stopMailPoll)

		for _, e := range p.registry.ListAll() {
			if e.Status != session.StatusActive {
				continue
			}
			lockPath := p.cfg.SessionsDir.IdentityLockPath(e.Team, e.Identity)
			_ = session.NewIdentityLock(lockPath).Release()
		}

		if err := session.Save(p.cfg.SessionsDir.RegistryPath(p.cfg.Team), p.registry); err != nil {
			slog.Warn("proxy: failed to persist session registry on shutdown", "error", err)
		}

		p.mu.Lock()
		c := p.child
		p.mu.Unlock()
		if c != nil {
			c.shutdown(100 * time.Millisecond)
		}
	})
}

// callerIdentityAndTeam resolves the effective identity/team for ATM tool
// calls that take no explicit identity argument: the proxy's own
// configured default (spec.md §4.1, "All ATM tools require an effective
// identity").
func (p *Proxy) callerIdentityAndTeam(argIdentity, argTeam string) (identity, team string) {
	identity = resolveIdentity(argIdentity, p.cfg.Identity)
	team = resolveTeam(argTeam, p.cfg.Team)
	return
}

// childAlive reports whether a child has been spawned and is still
// running, used by agent_status.
func (p *Proxy) childAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.child != nil && p.child.alive()
}

// hasChild reports whether the child has been spawned at all.
func (p *Proxy) hasChild() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.child != nil
}

// identityInboxPath resolves the path to this proxy's own mail inbox
// (used by the mail poller and agent_status's pending_mail_count).
func (p *Proxy) identityInboxPath() string {
	return p.cfg.Home.InboxPath(p.cfg.Team, p.cfg.Identity)
}
