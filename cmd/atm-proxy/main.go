// Command atm-proxy runs the MCP stdio proxy (spec.md §4.1): a JSON-RPC
// bridge between an upstream MCP client and a lazily spawned "codex
// mcp-server" child, adding ATM's session, identity, and mail semantics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atm-mail/atm/internal/atmhome"
	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/jsonrpc"
	"github.com/atm-mail/atm/internal/logging"
	"github.com/atm-mail/atm/internal/proxy"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("atm-proxy", flag.ExitOnError)
	identity := fs.String("identity", "", "fallback ATM identity (overrides config.yaml/env)")
	team := fs.String("team", "", "default team namespace (overrides config.yaml/env)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	home := atmhome.Resolve()
	logging.PrintBanner("proxy", version, home.Home)

	cfg, err := buildConfig(home, *identity, *team)
	if err != nil {
		slog.Error("atm-proxy: load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := proxy.New(cfg)
	defer p.Shutdown()

	reader := jsonrpc.NewReader(os.Stdin)
	writer := jsonrpc.NewContentLengthWriter(os.Stdout)

	if err := p.Run(ctx, reader, writer); err != nil {
		slog.Error("atm-proxy: run", "error", err)
		os.Exit(1)
	}
}

// buildConfig layers internal/config's koanf-loaded tunables onto
// proxy.DefaultConfig, with explicit flags taking priority over both.
func buildConfig(home atmhome.Paths, identityFlag, teamFlag string) (proxy.Config, error) {
	loaded, err := config.LoadProxy(home.Home)
	if err != nil {
		return proxy.Config{}, err
	}

	cfg := proxy.DefaultConfig()
	cfg.Identity = loaded.Identity
	cfg.Team = loaded.Team
	cfg.ChildCommand = loaded.ChildCommand
	cfg.RequestTimeout = loaded.RequestTimeout
	cfg.MailPollInterval = loaded.MailPollInterval
	cfg.MaxMailMessages = loaded.MaxMailMessages
	cfg.MaxMailMessageLength = loaded.MaxMailMessageLength
	cfg.EventChannelCapacity = loaded.EventChannelCapacity
	cfg.MaxSessions = loaded.MaxSessions

	if identityFlag != "" {
		cfg.Identity = identityFlag
	}
	if teamFlag != "" {
		cfg.Team = teamFlag
	}

	cfg.Home = home
	cfg.SessionsDir = atmhome.ResolveSessionsDir(home.Home)
	return cfg, nil
}
