// Package inbox implements the content-addressable, atomically updated
// per-agent mailbox described in spec.md §3–§4.2: InboxMessage, the mailbox
// file, the lock protocol, atomic append/update, the outbound retry spool,
// and retention.
package inbox

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// MaxTextRunes is the maximum number of UTF-8 characters an InboxMessage's
// text may hold after truncation (spec.md §3).
const MaxTextRunes = 4096

const truncationSuffix = " [...truncated]"

// Message is a single entry in a mailbox file. Unknown JSON fields are
// preserved in Extra so forward-compatible additions by newer processes are
// not lost on round-trip (spec.md §7).
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // RFC 3339 UTC
	Read      bool   `json:"read"`
	Summary   string `json:"summary,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the struct tags above, used to split unknown fields into Extra.
var knownFields = map[string]struct{}{
	"from": {}, "text": {}, "timestamp": {}, "read": {}, "summary": {}, "message_id": {},
}

// MarshalJSON emits the known fields plus any preserved unknown fields.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}

	if err := set("from", m.From); err != nil {
		return nil, err
	}
	if err := set("text", m.Text); err != nil {
		return nil, err
	}
	if err := set("timestamp", m.Timestamp); err != nil {
		return nil, err
	}
	if err := set("read", m.Read); err != nil {
		return nil, err
	}
	if m.Summary != "" {
		if err := set("summary", m.Summary); err != nil {
			return nil, err
		}
	} else {
		delete(out, "summary")
	}
	if m.MessageID != "" {
		if err := set("message_id", m.MessageID); err != nil {
			return nil, err
		}
	} else {
		delete(out, "message_id")
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes known fields and stashes everything else in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type known struct {
		From      string `json:"from"`
		Text      string `json:"text"`
		Timestamp string `json:"timestamp"`
		Read      bool   `json:"read"`
		Summary   string `json:"summary,omitempty"`
		MessageID string `json:"message_id,omitempty"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	m.From = k.From
	m.Text = k.Text
	m.Timestamp = k.Timestamp
	m.Read = k.Read
	m.Summary = k.Summary
	m.MessageID = k.MessageID

	m.Extra = make(map[string]json.RawMessage)
	for key, v := range raw {
		if _, ok := knownFields[key]; ok {
			continue
		}
		m.Extra[key] = v
	}
	return nil
}

// TruncateText truncates s to at most MaxTextRunes UTF-8 characters,
// appending truncationSuffix on the rune boundary so the *final* string
// (body + suffix) is exactly MaxTextRunes runes, never longer
// (SPEC_FULL.md C.2). If s already fits, it is returned unchanged.
func TruncateText(s string) string {
	return TruncateTextN(s, MaxTextRunes)
}

// TruncateTextN is TruncateText parameterized on the rune budget, used by
// the mail poller for its configurable max_mail_message_length.
func TruncateTextN(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}

	suffixRunes := utf8.RuneCountInString(truncationSuffix)
	bodyRunes := maxRunes - suffixRunes
	if bodyRunes < 0 {
		bodyRunes = 0
	}

	var b strings.Builder
	count := 0
	for _, r := range s {
		if count >= bodyRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	b.WriteString(truncationSuffix)
	return b.String()
}
