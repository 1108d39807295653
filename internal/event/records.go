package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission outcomes stored in a permission record's status field.
const (
	StatusPending = "pending"
	StatusAllow   = "allow"
	StatusDeny    = "deny"
)

// PermissionRecord is the hub's own record for a tool permission request.
// The record ID equals RequestID so the resolution can be folded into it.
type PermissionRecord struct {
	Type        string          `json:"type"`
	UUID        string          `json:"uuid"`
	SessionID   string          `json:"sessionId"`
	Timestamp   string          `json:"timestamp"`
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Pattern     string          `json:"pattern,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      string          `json:"status"`
	AlwaysAllow bool            `json:"alwaysAllow,omitempty"`
	Auto        bool            `json:"auto,omitempty"`
	Message     string          `json:"message,omitempty"`
	ResolvedAt  string          `json:"resolvedAt,omitempty"`
}

// ResolutionRecord marks a previously issued request as decided.
type ResolutionRecord struct {
	Type        string `json:"type"`
	UUID        string `json:"uuid"`
	SessionID   string `json:"sessionId"`
	Timestamp   string `json:"timestamp"`
	RequestID   string `json:"requestId"`
	Behavior    string `json:"behavior"`
	AlwaysAllow bool   `json:"alwaysAllow,omitempty"`
	Message     string `json:"message,omitempty"`
}

// encode marshals v without HTML escaping and without the trailing newline.
func encode(v any) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// UserInput builds the record for text typed by a viewer. The agent does not
// echo stdin input, so the hub writes it itself.
func UserInput(sessionID, parentID, text string, now time.Time) *Event {
	type content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	type message struct {
		Role    string    `json:"role"`
		Content []content `json:"content"`
	}
	rec := struct {
		Type       string  `json:"type"`
		UUID       string  `json:"uuid"`
		ParentUUID *string `json:"parentUuid"`
		SessionID  string  `json:"sessionId"`
		Timestamp  string  `json:"timestamp"`
		Message    message `json:"message"`
	}{
		Type:      "user",
		UUID:      uuid.NewString(),
		SessionID: sessionID,
		Timestamp: stamp(now),
		Message:   message{Role: "user", Content: []content{{Type: "text", Text: text}}},
	}
	if parentID != "" {
		rec.ParentUUID = &parentID
	}
	return Parse(encode(rec))
}

// PermissionRequest builds a permission record. Auto-approved requests are
// written once, already resolved.
func PermissionRequest(rec PermissionRecord, now time.Time) *Event {
	rec.Type = string(KindPermissionRequest)
	rec.UUID = rec.RequestID
	if rec.Timestamp == "" {
		rec.Timestamp = stamp(now)
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Status != StatusPending && rec.ResolvedAt == "" {
		rec.ResolvedAt = stamp(now)
	}
	return Parse(encode(rec))
}

// PermissionResolution builds the record appended when a pending request is
// decided.
func PermissionResolution(sessionID, requestID string, allow, alwaysAllow bool, message string, now time.Time) *Event {
	behavior := StatusDeny
	if allow {
		behavior = StatusAllow
	}
	return Parse(encode(ResolutionRecord{
		Type:        string(KindPermissionResolved),
		UUID:        requestID + ":resolved",
		SessionID:   sessionID,
		Timestamp:   stamp(now),
		RequestID:   requestID,
		Behavior:    behavior,
		AlwaysAllow: alwaysAllow,
		Message:     message,
	}))
}

// ResolutionTarget returns the request ID a resolution record refers to.
func ResolutionTarget(ev *Event) (ResolutionRecord, bool) {
	var rec ResolutionRecord
	if ev.Kind != KindPermissionResolved {
		return rec, false
	}
	if err := json.Unmarshal(ev.Raw, &rec); err != nil || rec.RequestID == "" {
		return rec, false
	}
	return rec, true
}

// Fold returns a copy of the request event with the resolution applied.
func Fold(request *Event, res ResolutionRecord) *Event {
	var rec PermissionRecord
	if err := json.Unmarshal(request.Raw, &rec); err != nil {
		return request
	}
	rec.Status = res.Behavior
	rec.AlwaysAllow = res.AlwaysAllow
	rec.Message = res.Message
	rec.ResolvedAt = res.Timestamp
	folded := Parse(encode(rec))
	folded.ParentID = request.ParentID
	return folded
}

// SessionExit builds the system notice appended when the agent exits on its
// own.
func SessionExit(sessionID, reason string, now time.Time) *Event {
	return Parse(encode(struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		UUID      string `json:"uuid"`
		SessionID string `json:"sessionId"`
		Timestamp string `json:"timestamp"`
		Reason    string `json:"reason,omitempty"`
	}{"system", "session_exit", uuid.NewString(), sessionID, stamp(now), reason}))
}

// CustomTitle builds a rename record in the agent's own format.
func CustomTitle(sessionID, title string, now time.Time) *Event {
	return Parse(encode(struct {
		Type        string `json:"type"`
		UUID        string `json:"uuid"`
		CustomTitle string `json:"customTitle"`
		SessionID   string `json:"sessionId"`
		Timestamp   string `json:"timestamp"`
	}{"custom-title", uuid.NewString(), title, sessionID, stamp(now)}))
}

// Connected is the first control message a subscriber receives.
func Connected(sessionID string, payload any) *Event {
	body := map[string]any{"type": string(KindConnected), "sessionId": sessionID}
	if payload != nil {
		body["session"] = payload
	}
	return &Event{Kind: KindConnected, Tag: string(KindConnected), SessionID: sessionID, Raw: encode(body)}
}

// Error is a control message describing a failure to a subscriber.
func Error(sessionID, message string) *Event {
	return &Event{
		Kind:      KindError,
		Tag:       string(KindError),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Raw: encode(map[string]string{
			"type":      string(KindError),
			"sessionId": sessionID,
			"message":   message,
		}),
	}
}

// Title extracts the title carried by a title event.
func Title(ev *Event) string {
	if ev.Kind != KindTitle {
		return ""
	}
	var rec struct {
		Summary     string `json:"summary"`
		CustomTitle string `json:"customTitle"`
	}
	if err := json.Unmarshal(ev.Raw, &rec); err != nil {
		return ""
	}
	if rec.CustomTitle != "" {
		return rec.CustomTitle
	}
	return rec.Summary
}

// IsCustomTitle reports whether ev is a user-assigned title.
func IsCustomTitle(ev *Event) bool {
	return ev.Kind == KindTitle && ev.Tag == "custom-title"
}

// UserText returns the typed text of a user message. Tool results and meta
// messages report false.
func UserText(ev *Event) (string, bool) {
	if ev.Kind != KindUser {
		return "", false
	}
	var rec struct {
		IsMeta  bool `json:"isMeta"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(ev.Raw, &rec); err != nil || rec.IsMeta {
		return "", false
	}
	var s string
	if err := json.Unmarshal(rec.Message.Content, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
		return "", false
	}
	var parts []string
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	return text, strings.TrimSpace(text) != ""
}
