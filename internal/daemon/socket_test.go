package daemon_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/daemon"
)

func roundTrip(t *testing.T, socketPath string, req daemon.Request) daemon.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	body = append(body, '\n')
	_, err = conn.Write(body)
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var resp daemon.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestServe_RoundTripsOneRequestPerConnection(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "atm-daemon.sock")
	pidPath := filepath.Join(dir, "atm-daemon.pid")

	ln, err := daemon.Listen(socketPath, pidPath)
	require.NoError(t, err)
	defer daemon.Cleanup(socketPath, pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go daemon.Serve(ctx, ln, func(ctx context.Context, req daemon.Request) daemon.Response {
		return daemon.Response{Version: daemon.ProtocolVersion, RequestID: req.RequestID, Status: "ok"}
	})

	resp := roundTrip(t, socketPath, daemon.Request{Version: daemon.ProtocolVersion, RequestID: "r1", Command: "ping"})
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestServe_VersionMismatch(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "atm-daemon.sock")
	pidPath := filepath.Join(dir, "atm-daemon.pid")

	ln, err := daemon.Listen(socketPath, pidPath)
	require.NoError(t, err)
	defer daemon.Cleanup(socketPath, pidPath)

	handlerCalled := false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go daemon.Serve(ctx, ln, func(ctx context.Context, req daemon.Request) daemon.Response {
		handlerCalled = true
		return daemon.Response{}
	})

	resp := roundTrip(t, socketPath, daemon.Request{Version: 99, RequestID: "r2", Command: "ping"})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, daemon.ErrVersionMismatch, resp.Error.Code)
	assert.False(t, handlerCalled, "handler should not run on version mismatch")
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "atm-daemon.sock")
	pidPath := filepath.Join(dir, "atm-daemon.pid")

	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	ln, err := daemon.Listen(socketPath, pidPath)
	require.NoError(t, err)
	defer daemon.Cleanup(socketPath, pidPath)
	defer ln.Close()

	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
