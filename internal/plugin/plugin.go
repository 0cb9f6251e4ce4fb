// Package plugin implements the daemon's plugin host (spec.md §4.6): a
// small lifecycle trait plugins implement, an injected PluginContext giving
// each plugin mail/roster access without importing the daemon package
// directly, and the four built-in plugins (issues bridge, CI monitor, tmux
// worker adapter + nudge engine, bridge sync).
package plugin

import (
	"context"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/inbox"
	"github.com/atm-mail/atm/internal/teamconfig"
)

// Plugin is one daemon-managed background component (spec.md §4.6): a
// trait defining init/run/shutdown/handle_message, generalized from the
// teacher's workermgr managed-worker lifecycle.
type Plugin interface {
	// Name identifies the plugin in logs and metrics.
	Name() string

	// Init prepares the plugin to run, e.g. loading persisted state.
	// Called once before Run.
	Init(ctx context.Context, pctx *Context) error

	// Run executes the plugin's main loop until ctx is cancelled. Returning
	// nil on cancellation is expected; a non-nil error is logged by the
	// host and does not stop sibling plugins.
	Run(ctx context.Context) error

	// Shutdown releases resources after Run returns.
	Shutdown(ctx context.Context) error

	// HandleMessage is delivered inbox messages addressed to the plugin's
	// synthetic member identity (e.g. a reply destined for the issues
	// bridge bot). Plugins with no such identity return nil unconditionally.
	HandleMessage(ctx context.Context, msg inbox.Message) error
}

// MailService is the subset of inbox operations a plugin needs: appending
// outbound mail and loading a mailbox to answer a roster query.
type MailService interface {
	Send(team, agent string, msg inbox.Message) (inbox.WriteOutcome, error)
	Load(team, agent string) ([]inbox.Message, error)
}

// RosterService resolves a team's member list for broadcast-shaped plugin
// output.
type RosterService interface {
	Members(team string) ([]teamconfig.Member, error)
}

// Context is the PluginContext injected into every plugin: system paths and
// mail/roster services (spec.md §4.6). A plugin's own config is passed to
// its constructor, not carried here.
type Context struct {
	Home  atmhome.Paths
	Mail  MailService
	Roster RosterService
}

// homeMailService is the default MailService, backed directly by
// internal/inbox against atmhome-resolved paths.
type homeMailService struct {
	home atmhome.Paths
}

// NewMailService builds the default MailService over home.
func NewMailService(home atmhome.Paths) MailService {
	return homeMailService{home: home}
}

func (s homeMailService) Send(team, agent string, msg inbox.Message) (inbox.WriteOutcome, error) {
	path := s.home.InboxPath(team, agent)
	return inbox.Append(path, team, agent, msg)
}

func (s homeMailService) Load(team, agent string) ([]inbox.Message, error) {
	return inbox.Load(s.home.InboxPath(team, agent))
}

// homeRosterService is the default RosterService, backed by
// internal/teamconfig.
type homeRosterService struct {
	home atmhome.Paths
}

// NewRosterService builds the default RosterService over home.
func NewRosterService(home atmhome.Paths) RosterService {
	return homeRosterService{home: home}
}

func (s homeRosterService) Members(team string) ([]teamconfig.Member, error) {
	cfg, err := teamconfig.Load(s.home.TeamConfigPath(team))
	if err != nil {
		return nil, err
	}
	return cfg.Members, nil
}
