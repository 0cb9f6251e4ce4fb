// Package config loads daemon and proxy tunables through koanf's layered
// providers: built-in defaults, an optional config.yaml under ATM_HOME, then
// ATM_-prefixed environment variables, in that priority order
// (SPEC_FULL.md §A).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Proxy holds the proxy process's koanf-loaded tunables, mirrored onto
// proxy.Config by the cmd/atm-proxy entrypoint.
type Proxy struct {
	Identity             string        `koanf:"identity"`
	Team                 string        `koanf:"team"`
	ChildCommand         []string      `koanf:"child_command"`
	RequestTimeout       time.Duration `koanf:"request_timeout"`
	MailPollInterval     time.Duration `koanf:"mail_poll_interval"`
	MaxMailMessages      int           `koanf:"max_mail_messages"`
	MaxMailMessageLength int           `koanf:"max_mail_message_length"`
	EventChannelCapacity int           `koanf:"event_channel_capacity"`
	MaxSessions          int           `koanf:"max_sessions"`
}

// Daemon holds the daemon process's koanf-loaded tunables: dedup store
// limits, the hook watcher poll cadence, and per-plugin enablement and
// settings (spec.md §4.4-§4.6).
type Daemon struct {
	DedupTTL          time.Duration `koanf:"dedup_ttl"`
	DedupCapacity     int           `koanf:"dedup_capacity"`
	HookPollInterval  time.Duration `koanf:"hook_poll_interval"`
	MetricsListenAddr string        `koanf:"metrics_listen_addr"`

	Plugins PluginsConfig `koanf:"plugins"`
}

// PluginsConfig holds per-plugin enablement and tunables.
type PluginsConfig struct {
	IssuesBridge IssuesBridgeConfig `koanf:"issues_bridge"`
	CIMonitor    CIMonitorConfig    `koanf:"ci_monitor"`
	TmuxWorker   TmuxWorkerConfig   `koanf:"tmux_worker"`
	BridgeSync   BridgeSyncConfig   `koanf:"bridge_sync"`
}

type IssuesBridgeConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Provider     string        `koanf:"provider"`
	Repo         string        `koanf:"repo"`
	BotIdentity  string        `koanf:"bot_identity"`
}

type CIMonitorConfig struct {
	Enabled              bool          `koanf:"enabled"`
	PollInterval         time.Duration `koanf:"poll_interval"`
	DedupStrategy        string        `koanf:"dedup_strategy"` // "per_commit" | "per_run"
	SeenTTL              time.Duration `koanf:"seen_ttl"`
	ReportDir            string        `koanf:"report_dir"`
	NotifyAllConclusions bool          `koanf:"notify_all_conclusions"`
}

type TmuxWorkerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	SpawnCommand    []string      `koanf:"spawn_command"`
	NudgeCooldown   time.Duration `koanf:"nudge_cooldown"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	ConcurrencyMode string        `koanf:"concurrency_mode"` // "queue" | "reject" | "concurrent"
}

type BridgeSyncConfig struct {
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Hosts        []string      `koanf:"hosts"`
	SSHUser      string        `koanf:"ssh_user"`
	SSHKeyPath   string        `koanf:"ssh_key_path"`
}

func defaultProxyMap() map[string]any {
	return map[string]any{
		"identity":                "codex",
		"team":                    "default",
		"child_command":           []string{"codex", "mcp-server"},
		"request_timeout":         300 * time.Second,
		"mail_poll_interval":      5 * time.Second,
		"max_mail_messages":       10,
		"max_mail_message_length": 4096,
		"event_channel_capacity":  256,
		"max_sessions":            0,
	}
}

func defaultDaemonMap() map[string]any {
	return map[string]any{
		"dedup_ttl":           600 * time.Second,
		"dedup_capacity":      1000,
		"hook_poll_interval":  500 * time.Millisecond,
		"metrics_listen_addr": "",
		"plugins": map[string]any{
			"issues_bridge": map[string]any{
				"enabled":       false,
				"poll_interval": 60 * time.Second,
				"provider":      "github",
			},
			"ci_monitor": map[string]any{
				"enabled":                false,
				"poll_interval":          60 * time.Second,
				"dedup_strategy":         "per_commit",
				"seen_ttl":               24 * time.Hour,
				"notify_all_conclusions": false,
			},
			"tmux_worker": map[string]any{
				"enabled":          false,
				"nudge_cooldown":   30 * time.Second,
				"retry_delay":      3 * time.Second,
				"concurrency_mode": "queue",
			},
			"bridge_sync": map[string]any{
				"enabled":       false,
				"poll_interval": 30 * time.Second,
			},
		},
	}
}

// envTransform rewrites "ATM_MAX_MAIL_MESSAGES" into the koanf key
// "max_mail_messages", and "ATM_PLUGINS__CI_MONITOR__ENABLED" into
// "plugins.ci_monitor.enabled" for nested plugin settings: double
// underscore separates path segments, single underscore stays within a key.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "ATM_")
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

func load(defaults map[string]any, yamlPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}
	if yamlPath != "" {
		if _, err := os.Stat(yamlPath); err == nil {
			if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}
	if err := k.Load(env.Provider("ATM_", ".", envTransform), nil); err != nil {
		return nil, err
	}
	return k, nil
}

// LoadProxy loads proxy tunables layering defaults -> "<home>/config.yaml"
// -> ATM_-prefixed environment variables.
func LoadProxy(home string) (Proxy, error) {
	k, err := load(defaultProxyMap(), filepath.Join(home, "config.yaml"))
	if err != nil {
		return Proxy{}, err
	}
	var cfg Proxy
	if err := k.Unmarshal("", &cfg); err != nil {
		return Proxy{}, err
	}
	return cfg, nil
}

// LoadDaemon loads daemon tunables with the same layering as LoadProxy.
func LoadDaemon(home string) (Daemon, error) {
	k, err := load(defaultDaemonMap(), filepath.Join(home, "config.yaml"))
	if err != nil {
		return Daemon{}, err
	}
	var cfg Daemon
	if err := k.Unmarshal("", &cfg); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}
