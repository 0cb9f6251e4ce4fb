package inbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTripUnknownFields(t *testing.T) {
	raw := `{"from":"alice","text":"hi","timestamp":"2025-01-01T00:00:00Z","read":false,"future_field":"kept"}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, json.RawMessage(`"kept"`), m.Extra["future_field"])

	out, err := json.Marshal(m)
	require.NoError(t, err)

	var roundtrip map[string]any
	require.NoError(t, json.Unmarshal(out, &roundtrip))
	assert.Equal(t, "kept", roundtrip["future_field"])
	assert.Equal(t, "alice", roundtrip["from"])
}

func TestMessage_OmitsEmptyOptionalFields(t *testing.T) {
	m := Message{From: "a", Text: "b", Timestamp: "2025-01-01T00:00:00Z"}
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var roundtrip map[string]any
	require.NoError(t, json.Unmarshal(out, &roundtrip))
	_, hasSummary := roundtrip["summary"]
	_, hasID := roundtrip["message_id"]
	assert.False(t, hasSummary)
	assert.False(t, hasID)
}

func TestTruncateText_NoTruncationNeeded(t *testing.T) {
	s := "short message"
	assert.Equal(t, s, TruncateText(s))
}

func TestTruncateText_ExactBoundary(t *testing.T) {
	s := strings.Repeat("a", MaxTextRunes)
	assert.Equal(t, s, TruncateText(s))
}

func TestTruncateText_TruncatesAtRuneBoundary(t *testing.T) {
	// Use multi-byte runes to ensure truncation respects character
	// boundaries, not byte offsets.
	s := strings.Repeat("é", MaxTextRunes+100)
	got := TruncateText(s)

	runeCount := 0
	for range got {
		runeCount++
	}
	assert.Equal(t, MaxTextRunes, runeCount)
	assert.True(t, strings.HasSuffix(got, "[...truncated]"))
}

func TestTruncateTextN_Small(t *testing.T) {
	got := TruncateTextN(strings.Repeat("x", 100), 20)
	runeCount := 0
	for range got {
		runeCount++
	}
	assert.Equal(t, 20, runeCount)
}
