package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/atm-mail/atm/internal/config"
	"github.com/atm-mail/atm/internal/inbox"
)

// BridgeTransport is the pluggable cross-host transport the bridge sync
// engine drives (spec.md §4.6, "Bridge sync"). Paths are remote-side, shell
// expanded (e.g. "~/.claude/...") by the remote end.
type BridgeTransport interface {
	List(ctx context.Context, host, dir string) ([]string, error)
	ReadFile(ctx context.Context, host, path string) ([]byte, error)
	WriteFile(ctx context.Context, host, path string, data []byte) error
	Rename(ctx context.Context, host, oldPath, newPath string) error
}

// bridgeState is the on-disk .bridge-state.json shape: per-remote cursors
// (count of local messages already considered for upload) and the set of
// message_ids already synced, so a message assigned an id after its cursor
// position was recorded is never re-sent (spec.md §4.6).
type bridgeState struct {
	Cursors          map[string]map[string]int      `json:"cursors"`           // host -> agent -> count
	SyncedMessageIDs map[string]map[string][]string `json:"synced_message_ids"` // host -> agent -> ids
}

func newBridgeState() *bridgeState {
	return &bridgeState{
		Cursors:          make(map[string]map[string]int),
		SyncedMessageIDs: make(map[string]map[string][]string),
	}
}

func (s *bridgeState) cursor(host, agent string) int {
	if m, ok := s.Cursors[host]; ok {
		return m[agent]
	}
	return 0
}

func (s *bridgeState) setCursor(host, agent string, n int) {
	if _, ok := s.Cursors[host]; !ok {
		s.Cursors[host] = make(map[string]int)
	}
	s.Cursors[host][agent] = n
}

func (s *bridgeState) synced(host, agent string) map[string]struct{} {
	set := make(map[string]struct{})
	if m, ok := s.SyncedMessageIDs[host]; ok {
		for _, id := range m[agent] {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s *bridgeState) addSynced(host, agent string, ids []string) {
	if _, ok := s.SyncedMessageIDs[host]; !ok {
		s.SyncedMessageIDs[host] = make(map[string][]string)
	}
	s.SyncedMessageIDs[host][agent] = append(s.SyncedMessageIDs[host][agent], ids...)
}

// BridgeSyncPlugin runs a push/pull cycle against every configured remote
// host on an interval (spec.md §4.6, "Bridge sync"). One instance is
// scoped to a single team.
type BridgeSyncPlugin struct {
	cfg          config.BridgeSyncConfig
	team         string
	transport    BridgeTransport
	localHost    string
	remoteBase   string // remote inbox dir, shell-expanded by the remote shell

	pctx *Context

	mu    sync.Mutex
	state *bridgeState
}

// NewBridgeSyncPlugin builds the plugin. The remote-side inbox directory is
// always "~/.claude/teams/<team>/inboxes", left shell-unexpanded so each
// remote's own $HOME resolves it.
func NewBridgeSyncPlugin(cfg config.BridgeSyncConfig, team string, transport BridgeTransport) *BridgeSyncPlugin {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &BridgeSyncPlugin{
		cfg:        cfg,
		team:       team,
		transport:  transport,
		localHost:  hostname,
		remoteBase: fmt.Sprintf("~/.claude/teams/%s/inboxes", team),
		state:      newBridgeState(),
	}
}

func (p *BridgeSyncPlugin) Name() string { return "bridge-sync" }

func (p *BridgeSyncPlugin) Init(ctx context.Context, pctx *Context) error {
	p.pctx = pctx
	data, err := os.ReadFile(pctx.Home.BridgeStatePath(p.team))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("plugin: bridge sync: load state: %w", err)
	}
	st := newBridgeState()
	if err := json.Unmarshal(data, st); err != nil {
		return fmt.Errorf("plugin: bridge sync: parse state: %w", err)
	}
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
	return nil
}

func (p *BridgeSyncPlugin) Shutdown(ctx context.Context) error { return p.saveState() }

func (p *BridgeSyncPlugin) HandleMessage(ctx context.Context, msg inbox.Message) error { return nil }

func (p *BridgeSyncPlugin) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one push then pull pass against every configured host. A
// per-host failure is logged and does not abort the remaining hosts
// (spec.md §4.7, "Bridge remote failure").
func (p *BridgeSyncPlugin) cycle(ctx context.Context) {
	for _, host := range p.cfg.Hosts {
		if err := p.push(ctx, host); err != nil {
			slog.Warn("plugin: bridge sync push failed", "host", host, "error", err)
		}
		if err := p.pull(ctx, host); err != nil {
			slog.Warn("plugin: bridge sync pull failed", "host", host, "error", err)
		}
	}
	if err := p.saveState(); err != nil {
		slog.Warn("plugin: bridge sync: save state failed", "error", err)
	}
}

// push walks the team's real mailbox files (excluding per-origin files
// pulled from a remote) and uploads each agent's new messages to host,
// merged with whatever remote content already exists there.
func (p *BridgeSyncPlugin) push(ctx context.Context, host string) error {
	localDir := p.pctx.Home.InboxDir(p.team)
	entries, err := os.ReadDir(localDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		agent, isOrigin := p.parseLocalFilename(e.Name())
		if isOrigin {
			continue
		}

		if err := p.pushAgent(ctx, host, agent); err != nil {
			slog.Warn("plugin: bridge sync push agent failed", "host", host, "agent", agent, "error", err)
		}
	}
	return nil
}

// parseLocalFilename splits "<agent>.json" from a per-origin
// "<agent>.<host>.json" using the heuristic that the stem ends with one of
// the configured remote hostnames (spec.md §4.6).
func (p *BridgeSyncPlugin) parseLocalFilename(name string) (agent string, isOrigin bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", true // not a mailbox file at all; skip it like an origin file
	}
	stem := strings.TrimSuffix(name, ".json")
	for _, host := range p.cfg.Hosts {
		if strings.HasSuffix(stem, "."+host) {
			return strings.TrimSuffix(stem, "."+host), true
		}
	}
	return stem, false
}

func (p *BridgeSyncPlugin) pushAgent(ctx context.Context, host, agent string) error {
	if err := assignMissingMessageIDs(p.pctx.Home.InboxPath(p.team, agent)); err != nil {
		return fmt.Errorf("assign message ids: %w", err)
	}

	msgs, err := inbox.Load(p.pctx.Home.InboxPath(p.team, agent))
	if err != nil {
		return err
	}

	p.mu.Lock()
	cursor := p.state.cursor(host, agent)
	already := p.state.synced(host, agent)
	p.mu.Unlock()

	if cursor > len(msgs) {
		cursor = 0
	}
	var fresh []inbox.Message
	for _, m := range msgs[cursor:] {
		if _, ok := already[m.MessageID]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		p.mu.Lock()
		p.state.setCursor(host, agent, len(msgs))
		p.mu.Unlock()
		return nil
	}

	remotePath := path.Join(p.remoteBase, fmt.Sprintf("%s.%s.json", agent, p.localHost))
	existing, err := p.readRemoteMessages(ctx, host, remotePath)
	if err != nil {
		return fmt.Errorf("read existing remote content: %w", err)
	}

	merged := mergeByMessageID(existing, fresh)
	if err := p.writeRemoteMessages(ctx, host, remotePath, merged); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	ids := make([]string, 0, len(fresh))
	for _, m := range fresh {
		ids = append(ids, m.MessageID)
	}

	p.mu.Lock()
	p.state.setCursor(host, agent, len(msgs))
	p.state.addSynced(host, agent, ids)
	p.mu.Unlock()
	return nil
}

// pull lists every "*.<local-hostname>.json" file on host and atomically
// replaces the matching local per-origin file with its content.
func (p *BridgeSyncPlugin) pull(ctx context.Context, host string) error {
	names, err := p.transport.List(ctx, host, p.remoteBase)
	if err != nil {
		return err
	}

	suffix := "." + p.localHost + ".json"
	for _, name := range names {
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		agent := strings.TrimSuffix(name, suffix)

		msgs, err := p.readRemoteMessages(ctx, host, path.Join(p.remoteBase, name))
		if err != nil {
			slog.Warn("plugin: bridge sync pull download failed", "host", host, "file", name, "error", err)
			continue
		}

		target := p.pctx.Home.OriginInboxPath(p.team, agent, host)
		if err := writeLocalAtomic(target, msgs); err != nil {
			slog.Warn("plugin: bridge sync pull write failed", "host", host, "file", name, "error", err)
		}
	}
	return nil
}

func (p *BridgeSyncPlugin) readRemoteMessages(ctx context.Context, host, remotePath string) ([]inbox.Message, error) {
	data, err := p.transport.ReadFile(ctx, host, remotePath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := gunzip(data)
	if err != nil {
		return nil, err
	}
	var msgs []inbox.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *BridgeSyncPlugin) writeRemoteMessages(ctx context.Context, host, remotePath string, msgs []inbox.Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	data, err := gzipBytes(raw)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.bridge-tmp-%s", remotePath, uuid.NewString())
	if err := p.transport.WriteFile(ctx, host, tmp, data); err != nil {
		return err
	}
	return p.transport.Rename(ctx, host, tmp, remotePath)
}

func (p *BridgeSyncPlugin) saveState() error {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.state, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return err
	}
	statePath := p.pctx.Home.BridgeStatePath(p.team)
	if err := os.MkdirAll(filepath.Dir(statePath), 0o750); err != nil {
		return err
	}
	tmp := statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, statePath)
}

// assignMissingMessageIDs gives every message lacking a message_id a fresh
// uuid, so pushAgent always has a stable identity to dedup against
// (spec.md §4.6, "assigns missing message_ids").
func assignMissingMessageIDs(path string) error {
	return inbox.Update(path, func(msgs []inbox.Message) []inbox.Message {
		for i := range msgs {
			if msgs[i].MessageID == "" {
				msgs[i].MessageID = uuid.NewString()
			}
		}
		return msgs
	})
}

// mergeByMessageID appends fresh onto existing, skipping any fresh message
// whose message_id is already present (existing remote content wins).
func mergeByMessageID(existing, fresh []inbox.Message) []inbox.Message {
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		if m.MessageID != "" {
			seen[m.MessageID] = struct{}{}
		}
	}
	merged := append([]inbox.Message{}, existing...)
	for _, m := range fresh {
		if m.MessageID != "" {
			if _, ok := seen[m.MessageID]; ok {
				continue
			}
		}
		merged = append(merged, m)
	}
	return merged
}

// writeLocalAtomic writes msgs to "<path>.tmp" then renames over path,
// mirroring internal/inbox's own atomic-write idiom for the locally-stored
// per-origin snapshot.
func writeLocalAtomic(targetPath string, msgs []inbox.Message) error {
	if msgs == nil {
		msgs = []inbox.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o750); err != nil {
		return err
	}
	tmp := targetPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, targetPath)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// SSHTransport implements BridgeTransport over golang.org/x/crypto/ssh exec
// sessions (no remote daemon required on the far end, only sshd): list via
// "ls", read via "cat", write via "cat >", rename via "mv" (spec.md §4.6,
// "pluggable transport"). Clients are dialed lazily and cached per host.
type SSHTransport struct {
	user    string
	keyPath string

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHTransport builds a transport authenticating as user with the
// private key at keyPath, verifying host keys against "~/.ssh/known_hosts"
// when readable (otherwise logging a warning and accepting any host key,
// since ATM ships no separate known-hosts provisioning step; no key is
// recorded for later connections).
func NewSSHTransport(user, keyPath string) *SSHTransport {
	return &SSHTransport{user: user, keyPath: keyPath, clients: make(map[string]*ssh.Client)}
}

func (t *SSHTransport) clientFor(host string) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[host]; ok {
		return c, nil
	}

	keyData, err := os.ReadFile(t.keyPath)
	if err != nil {
		return nil, fmt.Errorf("bridge ssh: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("bridge ssh: parse key: %w", err)
	}

	hostKeyCallback := t.hostKeyCallback()
	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr = addr + ":22"
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("bridge ssh: dial %s: %w", host, err)
	}
	t.clients[host] = client
	return client, nil
}

func (t *SSHTransport) hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	slog.Warn("plugin: bridge ssh: no readable known_hosts, accepting any host key")
	return ssh.InsecureIgnoreHostKey()
}

func (t *SSHTransport) run(ctx context.Context, host, cmd string, stdin io.Reader) ([]byte, error) {
	client, err := t.clientFor(host)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("bridge ssh: new session: %w", err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("bridge ssh: %s: %w: %s", cmd, err, stderr.String())
		}
		return stdout.Bytes(), nil
	}
}

func (t *SSHTransport) List(ctx context.Context, host, dir string) ([]string, error) {
	out, err := t.run(ctx, host, fmt.Sprintf("ls -1 %s 2>/dev/null || true", shellQuote(dir)), nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (t *SSHTransport) ReadFile(ctx context.Context, host, remotePath string) ([]byte, error) {
	cmd := fmt.Sprintf("test -f %s && cat %s || true", shellQuote(remotePath), shellQuote(remotePath))
	return t.run(ctx, host, cmd, nil)
}

func (t *SSHTransport) WriteFile(ctx context.Context, host, remotePath string, data []byte) error {
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(remotePath)), shellQuote(remotePath))
	_, err := t.run(ctx, host, cmd, bytes.NewReader(data))
	return err
}

func (t *SSHTransport) Rename(ctx context.Context, host, oldPath, newPath string) error {
	cmd := fmt.Sprintf("mv %s %s", shellQuote(oldPath), shellQuote(newPath))
	_, err := t.run(ctx, host, cmd, nil)
	return err
}

// shellQuote wraps s in single quotes for safe inclusion in a remote shell
// command line, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
