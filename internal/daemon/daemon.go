package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atm-mail/atm/internal/atmhome"
)

// Daemon wires the socket server, hook watcher, and agent state together
// under one cancellation token (spec.md §5, "The daemon runs socket
// acceptor, hook watcher, and each plugin as independent tasks, coordinated
// by a single cancellation token").
type Daemon struct {
	Home     atmhome.Paths
	Tracker  *AgentStateTracker
	Subs     *SubscriptionManager
	Dedup    *DedupStore
	Sessions *SessionStore
	Launch   Launcher

	dispatcher *Dispatcher
	watcher    *HookWatcher
}

// New builds a Daemon rooted at home, opening its durable dedup store
// eagerly so a bad dedup file fails fast at startup rather than mid-run.
func New(home atmhome.Paths, dedupTTL time.Duration, dedupCapacity int, launch Launcher) (*Daemon, error) {
	tracker := NewAgentStateTracker()
	subs := NewSubscriptionManager()
	sessions := NewSessionStore(atmhome.ResolveSessionsDir(home.Home))

	dedup, err := OpenDedupStore(home.DedupPath(), dedupTTL, dedupCapacity)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Home:     home,
		Tracker:  tracker,
		Subs:     subs,
		Dedup:    dedup,
		Sessions: sessions,
		Launch:   launch,
	}
	d.dispatcher = NewDispatcher(tracker, subs, launch)
	d.watcher = NewHookWatcher(home.HookEventsPath(), tracker, subs, sessions)
	return d, nil
}

// SetLaunch rewires the launcher used by the daemon's dispatcher, letting a
// caller build a launcher against d.Tracker after New has already returned
// it (the tmux worker adapter plugin needs to share that exact tracker so
// its nudge engine and the daemon's dispatcher observe the same state).
func (d *Daemon) SetLaunch(launch Launcher) {
	d.Launch = launch
	d.dispatcher.SetLaunch(launch)
}

// Run starts the socket server and hook watcher as independent goroutines
// and blocks until ctx is cancelled, at which point both are asked to stop
// and their files cleaned up. The first task to fail for a reason other than
// cancellation determines the returned error.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := Listen(d.Home.DaemonSocketPath(), d.Home.DaemonPIDPath())
	if err != nil {
		return err
	}
	defer Cleanup(d.Home.DaemonSocketPath(), d.Home.DaemonPIDPath())
	defer d.Dedup.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	report := func(err error) {
		if err == nil || runCtx.Err() != nil {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		report(Serve(runCtx, ln, d.dispatcher.Handle))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.watcher.Run(runCtx); err != nil {
			slog.Error("daemon: hook watcher stopped", "error", err)
			report(err)
		}
	}()

	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return firstErr
}
