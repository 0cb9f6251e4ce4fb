// Package proxy implements the MCP stdio proxy (spec.md §4.1): a
// JSON-RPC 2.0 bridge between an upstream client and a lazily spawned
// "codex mcp-server" child, adding ATM's session, identity, and mail
// semantics.
package proxy

import (
	"time"

	"github.com/atm-mail/atm/internal/atmhome"
)

// Config holds one proxy process's tunables, loaded through
// internal/config's koanf layering (SPEC_FULL.md §A).
type Config struct {
	// Identity is the fallback ATM identity used when a tool call omits an
	// explicit one (spec.md §4.1 step 2).
	Identity string
	// Team is the default team namespace for sessions and mail.
	Team string

	// ChildCommand is the argv used to spawn the child, e.g.
	// []string{"codex", "mcp-server"}.
	ChildCommand []string

	// RequestTimeout bounds how long a forwarded tools/call waits for the
	// child's response before ERR_TIMEOUT (spec.md §4.1 step 4, default 300s).
	RequestTimeout time.Duration

	// MailPollInterval is how often the idle-child mail poller checks the
	// caller's inbox (spec.md §4.1, default 5s).
	MailPollInterval time.Duration
	// MaxMailMessages caps how many unread messages one injection cycle
	// delivers (default 10).
	MaxMailMessages int
	// MaxMailMessageLength caps each delivered message body in runes
	// (default 4096).
	MaxMailMessageLength int

	// EventChannelCapacity bounds the child-event forwarding channel
	// (spec.md §4.1, default 256); beyond it events are dropped, never
	// blocking the reader.
	EventChannelCapacity int

	// MaxSessions is this proxy's Active-session cap (session.Registry).
	MaxSessions int

	Home        atmhome.Paths
	SessionsDir atmhome.SessionsDir
}

// DefaultConfig returns the spec's documented defaults, with home/sessions
// resolved from the environment.
func DefaultConfig() Config {
	home := atmhome.Resolve()
	return Config{
		Identity:             "codex",
		ChildCommand:         []string{"codex", "mcp-server"},
		RequestTimeout:       300 * time.Second,
		MailPollInterval:     5 * time.Second,
		MaxMailMessages:      10,
		MaxMailMessageLength: 4096,
		EventChannelCapacity: 256,
		MaxSessions:          0, // 0 -> session.DefaultMaxSessions
		Home:                 home,
		SessionsDir:          atmhome.ResolveSessionsDir(home.Home),
	}
}
