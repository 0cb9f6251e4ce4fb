package jsonrpc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atm-mail/atm/internal/jsonrpc"
)

func TestMessage_Classification(t *testing.T) {
	req := jsonrpc.Message{ID: json.RawMessage(`1`), Method: "ping"}
	assert.True(t, req.IsRequest())
	assert.False(t, req.IsNotification())
	assert.False(t, req.IsResponse())

	notif := jsonrpc.Message{Method: "notifications/initialized"}
	assert.True(t, notif.IsNotification())
	assert.False(t, notif.IsRequest())

	resp := jsonrpc.Message{ID: json.RawMessage(`1`), Result: json.RawMessage(`{}`)}
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsRequest())
}

func TestNewChildDeadError_CarriesExitCode(t *testing.T) {
	err := jsonrpc.NewChildDeadError(137)
	assert.Equal(t, jsonrpc.CodeChildDead, err.Code)

	var data struct {
		ErrorSource string `json:"error_source"`
		ExitCode    int    `json:"exit_code"`
	}
	assert.NoError(t, json.Unmarshal(err.Data, &data))
	assert.Equal(t, "proxy", data.ErrorSource)
	assert.Equal(t, 137, data.ExitCode)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "abc", jsonrpc.IDString(json.RawMessage(`"abc"`)))
	assert.Equal(t, "42", jsonrpc.IDString(json.RawMessage(`42`)))
	assert.Equal(t, "", jsonrpc.IDString(nil))
}
