// Package metrics provides Prometheus instrumentation for the ATM daemon
// and proxy, served by the daemon's optional /metrics HTTP listener
// (SPEC_FULL.md §B); the proxy process serves no listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Proxy metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atm_proxy_active_sessions",
		Help: "Number of Active sessions in the proxy's registry.",
	})

	DroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atm_proxy_dropped_events_total",
		Help: "codex/event notifications dropped because the forwarding channel was full.",
	})

	PendingMailGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atm_proxy_pending_mail",
		Help: "Unread messages in the proxy's own identity inbox at last poll.",
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_proxy_tool_calls_total",
		Help: "tools/call requests handled by the proxy, by tool name and outcome.",
	}, []string{"tool", "outcome"})
)

// Inbox metrics.
var (
	SpoolDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_inbox_spool_depth",
		Help: "Messages currently sitting in the outbound spool, by state.",
	}, []string{"state"})

	InboxWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_inbox_writes_total",
		Help: "inbox_append/inbox_update calls, by outcome.",
	}, []string{"outcome"})
)

// Daemon metrics.
var (
	DedupStoreSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atm_daemon_dedup_store_size",
		Help: "Entries currently held in the durable dedup store.",
	})

	PluginPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atm_daemon_plugin_poll_duration_seconds",
		Help:    "Duration of each plugin poll cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin"})

	HookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_daemon_hook_events_total",
		Help: "Hook events processed, by type.",
	}, []string{"type"})

	SocketRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_daemon_socket_requests_total",
		Help: "Control-socket requests handled, by command and status.",
	}, []string{"command", "status"})
)
