package event

import (
	"encoding/json"
	"time"
)

// registry maps the agent's "type" tag to a Kind. Tags absent from the map
// decode as KindUnknown.
var registry = map[string]Kind{
	"user":                        KindUser,
	"assistant":                   KindAssistant,
	"system":                      KindSystem,
	"result":                      KindResult,
	"stream_event":                KindDelta,
	"queue-operation":             KindQueueState,
	"summary":                     KindTitle,
	"custom-title":                KindTitle,
	string(KindPermissionRequest):  KindPermissionRequest,
	string(KindPermissionResolved): KindPermissionResolved,
}

// KindOf returns the Kind registered for tag.
func KindOf(tag string) Kind {
	if k, ok := registry[tag]; ok {
		return k
	}
	return KindUnknown
}

// header holds the envelope fields shared by every record.
type header struct {
	Type            string  `json:"type"`
	UUID            string  `json:"uuid"`
	ParentUUID      *string `json:"parentUuid"`
	SessionID       string  `json:"sessionId"`
	SessionIDLegacy string  `json:"session_id"`
	Timestamp       string  `json:"timestamp"`
}

// Parse decodes one line. It never fails: a line that is not a JSON object
// becomes an unknown event carrying the original bytes. Records written by
// Event.Record for such lines decode back to the line they wrap.
func Parse(line []byte) *Event {
	raw := make([]byte, len(line))
	copy(raw, line)

	ev := &Event{Kind: KindUnknown, Raw: raw}

	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		ev.ID = ContentID(raw)
		return ev
	}

	if h.Type == unparsedTag {
		if orig, ok := unwrap(raw); ok {
			return Parse(orig)
		}
	}

	ev.Tag = h.Type
	ev.Kind = KindOf(h.Type)
	ev.ID = h.UUID
	if h.ParentUUID != nil {
		ev.ParentID = *h.ParentUUID
	}
	ev.SessionID = h.SessionID
	if ev.SessionID == "" {
		ev.SessionID = h.SessionIDLegacy
	}
	if t, err := time.Parse(time.RFC3339Nano, h.Timestamp); err == nil {
		ev.Timestamp = t
	}
	if ev.ID == "" && !ev.Kind.Ephemeral() {
		ev.ID = ContentID(raw)
	}
	return ev
}

// Thread groups events by parent. Roots are events whose parent is empty or
// not present in the slice. Order within each group follows the input.
func Thread(events []*Event) (roots []*Event, children map[string][]*Event) {
	known := make(map[string]struct{}, len(events))
	for _, ev := range events {
		known[ev.ID] = struct{}{}
	}
	children = make(map[string][]*Event)
	for _, ev := range events {
		if _, ok := known[ev.ParentID]; ev.ParentID == "" || !ok {
			roots = append(roots, ev)
			continue
		}
		children[ev.ParentID] = append(children[ev.ParentID], ev)
	}
	return roots, children
}
