// Command atm-daemon runs the long-lived ATM daemon (spec.md §4.4-§4.6): the
// agent-state socket server, the hook watcher, and the optional plugin set
// (tmux worker adapter, issue bridge, CI monitor, bridge sync).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/daemon"
	"github.com/atm-mail/atm/internal/logging"
	"github.com/atm-mail/atm/internal/plugin"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("atm-daemon", flag.ExitOnError)
	team := fs.String("team", "default", "team namespace the bridge-sync and CI-monitor plugins operate under")
	notifyTo := fs.String("notify-to", "", "mailbox CI monitor reports are delivered to (defaults to \"lead\")")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	home := atmhome.Resolve()
	logging.PrintBanner("daemon", version, home.Home)

	cfg, err := config.LoadDaemon(home.Home)
	if err != nil {
		slog.Error("atm-daemon: load config", "error", err)
		os.Exit(1)
	}

	d, err := daemon.New(home, cfg.DedupTTL, cfg.DedupCapacity, nil)
	if err != nil {
		slog.Error("atm-daemon: init", "error", err)
		os.Exit(1)
	}
	// Built against d.Tracker (not a tracker of its own) so the worker's
	// nudge engine and the daemon's socket/hook-watcher state stay in sync.
	worker := plugin.NewWorkerAdapterPlugin(cfg.Plugins.TmuxWorker, d.Tracker)
	d.SetLaunch(worker)

	pctx := &plugin.Context{
		Home:   home,
		Mail:   plugin.NewMailService(home),
		Roster: plugin.NewRosterService(home),
	}

	lead := *notifyTo
	if lead == "" {
		lead = "lead"
	}
	host := plugin.NewHost(pctx, enabledPlugins(cfg, *team, lead, worker)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.Run(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		host.Run(ctx)
	}()

	if cfg.MetricsListenAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			_ = srv.Close()
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("atm-daemon: metrics listener", "error", err)
			}
		}()
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		slog.Error("atm-daemon: fatal", "error", err)
		os.Exit(1)
	}
}

// enabledPlugins builds the subset of plugins enabled by config, wiring
// each to its real provider.
func enabledPlugins(cfg config.Daemon, team, lead string, worker *plugin.WorkerAdapterPlugin) []plugin.Plugin {
	var plugins []plugin.Plugin
	if cfg.Plugins.TmuxWorker.Enabled {
		plugins = append(plugins, worker)
	}
	if cfg.Plugins.IssuesBridge.Enabled {
		provider := plugin.NewGitHubProvider(cfg.Plugins.IssuesBridge.Repo)
		plugins = append(plugins, plugin.NewIssuesBridgePlugin(cfg.Plugins.IssuesBridge, team, provider))
	}
	if cfg.Plugins.CIMonitor.Enabled {
		provider := plugin.NewGitHubActionsProvider(cfg.Plugins.IssuesBridge.Repo)
		plugins = append(plugins, plugin.NewCIMonitorPlugin(cfg.Plugins.CIMonitor, team, lead, provider))
	}
	if cfg.Plugins.BridgeSync.Enabled {
		transport := plugin.NewSSHTransport(cfg.Plugins.BridgeSync.SSHUser, cfg.Plugins.BridgeSync.SSHKeyPath)
		plugins = append(plugins, plugin.NewBridgeSyncPlugin(cfg.Plugins.BridgeSync, team, transport))
	}
	return plugins
}
