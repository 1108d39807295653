package event

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Kind classifies an event. The set is open: anything the agent emits that
// is not registered maps to KindUnknown and keeps its original bytes.
type Kind string

const (
	KindUser               Kind = "user"
	KindAssistant          Kind = "assistant"
	KindSystem             Kind = "system"
	KindResult             Kind = "result"
	KindPermissionRequest  Kind = "permission_request"
	KindPermissionResolved Kind = "permission_resolved"
	KindDelta              Kind = "stream_event"
	KindQueueState         Kind = "queue_state"
	KindTitle              Kind = "title"
	KindTerminal           Kind = "terminal"
	KindUnknown            Kind = "unknown"

	// Control kinds only ever travel to subscribers.
	KindConnected Kind = "connected"
	KindError     Kind = "error"
)

// Ephemeral reports whether events of this kind are broadcast only and never
// cached, persisted or deduplicated.
func (k Kind) Ephemeral() bool {
	return k == KindDelta || k == KindTerminal
}

// Control reports whether the kind is a subscriber-only control message.
func (k Kind) Control() bool {
	return k == KindConnected || k == KindError
}

// Persistent reports whether events of this kind belong in the event log.
func (k Kind) Persistent() bool {
	return !k.Ephemeral() && !k.Control()
}

// Event is one item of a session's history or live stream.
//
// Raw holds the exact bytes the record was read from (or written as) and is
// what gets persisted and retransmitted. Terminal events carry their bytes in
// Data instead, since pty output is not JSON.
type Event struct {
	Kind      Kind
	Tag       string // original "type" tag
	ID        string // uuid, or a content hash when the record has none
	ParentID  string
	SessionID string
	Timestamp time.Time
	Raw       json.RawMessage
	Data      []byte
}

// MarshalJSON emits the event's record, so unknown payloads survive a round
// trip byte for byte.
func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Kind == KindTerminal {
		return json.Marshal(struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}{string(KindTerminal), base64.StdEncoding.EncodeToString(e.Data)})
	}
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Record(), nil
}

// unparsedTag marks a line that was not single-line JSON. Such lines are
// stored wrapped so a log keeps one JSON value per line; Parse unwraps them.
const unparsedTag = "unparsed-line"

type unparsed struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// Record returns the bytes that are written to the event log and sent to
// viewers: Raw itself when it is single-line JSON, otherwise Raw wrapped in
// an unparsed-line record.
func (e *Event) Record() json.RawMessage {
	if json.Valid(e.Raw) && !bytes.ContainsAny(e.Raw, "\r\n") {
		return e.Raw
	}
	w := unparsed{Type: unparsedTag}
	if utf8.Valid(e.Raw) {
		w.Text = string(e.Raw)
	} else {
		w.Base64 = base64.StdEncoding.EncodeToString(e.Raw)
	}
	out, _ := json.Marshal(w)
	return out
}

// unwrap returns the original line held by an unparsed-line record.
func unwrap(raw []byte) ([]byte, bool) {
	var w unparsed
	if err := json.Unmarshal(raw, &w); err != nil || w.Type != unparsedTag {
		return nil, false
	}
	if w.Base64 != "" {
		b, err := base64.StdEncoding.DecodeString(w.Base64)
		return b, err == nil
	}
	return []byte(w.Text), true
}

// ContentID returns the deterministic identity used for records without a
// uuid. Reading the same bytes twice yields the same ID.
func ContentID(raw []byte) string {
	sum := blake3.Sum256(raw)
	return "h:" + hex.EncodeToString(sum[:16])
}

// Terminal wraps raw pty output.
func Terminal(sessionID string, data []byte) *Event {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Event{
		Kind:      KindTerminal,
		Tag:       string(KindTerminal),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      buf,
	}
}
