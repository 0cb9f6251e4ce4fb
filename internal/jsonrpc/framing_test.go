package jsonrpc_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-mail/atm/internal/jsonrpc"
)

func TestReader_DetectsNewlineFraming(t *testing.T) {
	in := bytes.NewBufferString("{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n{\"jsonrpc\":\"2.0\",\"method\":\"pong\"}\n")
	r := jsonrpc.NewReader(in)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(msg))
	assert.Equal(t, jsonrpc.FramingNewline, r.Framing())

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"pong"}`, string(msg))
}

func TestReader_DetectsContentLengthFraming(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	r := jsonrpc.NewReader(bytes.NewBufferString(frame))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, body, string(msg))
	assert.Equal(t, jsonrpc.FramingContentLength, r.Framing())
}

func TestReader_ContentLengthWithExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	frame := fmt.Sprintf("Content-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	r := jsonrpc.NewReader(bytes.NewBufferString(frame))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, body, string(msg))
}

func TestWriter_ContentLength(t *testing.T) {
	var buf bytes.Buffer
	w := jsonrpc.NewContentLengthWriter(&buf)
	require.NoError(t, w.WriteMessage([]byte(`{"a":1}`)))
	assert.Equal(t, "Content-Length: 7\r\n\r\n{\"a\":1}", buf.String())
}

func TestWriter_Newline(t *testing.T) {
	var buf bytes.Buffer
	w := jsonrpc.NewNewlineWriter(&buf)
	require.NoError(t, w.WriteMessage([]byte(`{"a":1}`)))
	assert.Equal(t, "{\"a\":1}\n", buf.String())
}

func TestRoundTrip_ContentLength(t *testing.T) {
	var buf bytes.Buffer
	w := jsonrpc.NewContentLengthWriter(&buf)
	require.NoError(t, w.WriteMessage([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))

	r := jsonrpc.NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(msg))
}
