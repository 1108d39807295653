package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{"user", `{"type":"user","uuid":"u1"}`, KindUser},
		{"assistant", `{"type":"assistant","uuid":"a1"}`, KindAssistant},
		{"system", `{"type":"system","uuid":"s1"}`, KindSystem},
		{"result", `{"type":"result","uuid":"r1"}`, KindResult},
		{"delta", `{"type":"stream_event","event":{}}`, KindDelta},
		{"queue", `{"type":"queue-operation","operation":"enqueue"}`, KindQueueState},
		{"summary", `{"type":"summary","summary":"x"}`, KindTitle},
		{"custom title", `{"type":"custom-title","customTitle":"x"}`, KindTitle},
		{"unregistered tag", `{"type":"file-history-snapshot","x":1}`, KindUnknown},
		{"not json", `garbage{`, KindUnknown},
		{"json array", `[1,2]`, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Parse([]byte(tt.line))
			if ev.Kind != tt.kind {
				t.Errorf("Parse(%q).Kind = %q, want %q", tt.line, ev.Kind, tt.kind)
			}
		})
	}
}

func TestUnknownRoundTripIsByteIdentical(t *testing.T) {
	lines := []string{
		`{"type":"brand-new-thing","b":2,"a":1,  "nested":{"z":[1,2,3]}}`,
		`{"type":"x","html":"<b>&</b>"}`,
	}
	for _, line := range lines {
		ev := Parse([]byte(line))
		if ev.Kind != KindUnknown {
			t.Errorf("Parse(%q).Kind = %q, want unknown", line, ev.Kind)
		}
		out, err := ev.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%q) error = %v", line, err)
		}
		if !bytes.Equal(out, []byte(line)) {
			t.Errorf("MarshalJSON(Parse(%q)) = %q, want identical bytes", line, out)
		}
		if !bytes.Equal(ev.Raw, []byte(line)) {
			t.Errorf("Parse(%q).Raw = %q, want identical bytes", line, ev.Raw)
		}
	}
}

func TestUnparsedLinesAreWrapped(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"plain text", "not even json"},
		{"carriage return", "progress 10%\rprogress 20%"},
		{"multi-line json", "{\"type\":\"assistant\",\n\"uuid\":\"a1\"}"},
		{"html", "<b>&</b>"},
		{"invalid utf-8", "bad \xff\xfe bytes"},
		{"whitespace", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Parse([]byte(tt.line))
			rec := ev.Record()
			if !json.Valid(rec) || bytes.ContainsAny(rec, "\r\n") {
				t.Fatalf("Record() = %q, want single-line JSON", rec)
			}
			out, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			if !bytes.Equal(out, rec) {
				t.Errorf("json.Marshal() = %q, want %q", out, rec)
			}

			back := Parse(rec)
			if !bytes.Equal(back.Raw, []byte(tt.line)) {
				t.Errorf("Parse(Record()).Raw = %q, want %q", back.Raw, tt.line)
			}
			if back.ID != ev.ID || back.Kind != ev.Kind {
				t.Errorf("Parse(Record()) = %s/%s, want %s/%s", back.Kind, back.ID, ev.Kind, ev.ID)
			}
		})
	}
}

func TestHistoryWithUnparsedLineMarshals(t *testing.T) {
	history := []*Event{
		Parse([]byte("not json at all")),
		Parse([]byte(`{"type":"user","uuid":"u1"}`)),
	}
	out, err := json.Marshal(history)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded []json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", out, err)
	}
	if len(decoded) != 2 || string(decoded[1]) != `{"type":"user","uuid":"u1"}` {
		t.Errorf("decoded = %q", decoded)
	}
}

func TestParseDoesNotAliasInput(t *testing.T) {
	line := []byte(`{"type":"user","uuid":"u1"}`)
	ev := Parse(line)
	line[2] = 'X'
	if ev.Raw[2] != 't' {
		t.Error("Parse should copy the input line")
	}
}

func TestContentIDIsDeterministic(t *testing.T) {
	line := []byte(`{"type":"summary","summary":"Fix the build"}`)
	a := Parse(line)
	b := Parse(line)
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("content IDs = %q, %q, want equal and non-empty", a.ID, b.ID)
	}
	if !strings.HasPrefix(a.ID, "h:") {
		t.Errorf("content ID = %q, want h: prefix", a.ID)
	}
	c := Parse([]byte(`{"type":"summary","summary":"Something else"}`))
	if c.ID == a.ID {
		t.Error("different content should give different IDs")
	}
}

func TestDeltaHasNoIdentity(t *testing.T) {
	ev := Parse([]byte(`{"type":"stream_event","event":{"type":"content_block_delta"}}`))
	if ev.ID != "" {
		t.Errorf("delta ID = %q, want empty", ev.ID)
	}
	if !ev.Kind.Ephemeral() {
		t.Error("delta should be ephemeral")
	}
}

func TestParseEnvelope(t *testing.T) {
	ev := Parse([]byte(`{"type":"assistant","uuid":"a2","parentUuid":"u1","sessionId":"s","timestamp":"2025-01-02T03:04:05.123Z"}`))
	if ev.ID != "a2" || ev.ParentID != "u1" || ev.SessionID != "s" {
		t.Errorf("envelope = %q/%q/%q", ev.ID, ev.ParentID, ev.SessionID)
	}
	want := time.Date(2025, 1, 2, 3, 4, 5, 123000000, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}

	legacy := Parse([]byte(`{"type":"system","subtype":"init","session_id":"abc","uuid":"x"}`))
	if legacy.SessionID != "abc" {
		t.Errorf("SessionID = %q, want abc", legacy.SessionID)
	}
}

func TestUserText(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"string content", `{"type":"user","message":{"content":"hello"}}`, "hello", true},
		{"text items", `{"type":"user","message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`, "a\nb", true},
		{"tool result", `{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`, "", false},
		{"meta", `{"type":"user","isMeta":true,"message":{"content":"caveat"}}`, "", false},
		{"assistant", `{"type":"assistant","message":{"content":"hi"}}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := UserText(Parse([]byte(tt.line)))
			if got != tt.want || ok != tt.ok {
				t.Errorf("UserText(%q) = %q, %v, want %q, %v", tt.line, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestUserInputRecord(t *testing.T) {
	ev := UserInput("s1", "p1", "do the thing", time.Now())
	if ev.Kind != KindUser || ev.ID == "" || ev.ParentID != "p1" || ev.SessionID != "s1" {
		t.Fatalf("UserInput = %+v", ev)
	}
	if text, ok := UserText(ev); !ok || text != "do the thing" {
		t.Errorf("UserText = %q, %v", text, ok)
	}
}

func TestPermissionFold(t *testing.T) {
	now := time.Now()
	req := PermissionRequest(PermissionRecord{
		SessionID: "s1",
		RequestID: "r1",
		ToolName:  "Bash",
		Input:     json.RawMessage(`{"command":"ls"}`),
	}, now)
	if req.ID != "r1" || req.Kind != KindPermissionRequest {
		t.Fatalf("request = %+v", req)
	}

	res := PermissionResolution("s1", "r1", true, true, "", now)
	target, ok := ResolutionTarget(res)
	if !ok || target.RequestID != "r1" {
		t.Fatalf("ResolutionTarget = %+v, %v", target, ok)
	}
	if res.ID == req.ID {
		t.Error("resolution must have its own identity")
	}

	folded := Fold(req, target)
	if folded.ID != "r1" {
		t.Errorf("folded ID = %q, want r1", folded.ID)
	}
	var rec PermissionRecord
	if err := json.Unmarshal(folded.Raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusAllow || !rec.AlwaysAllow || rec.ResolvedAt == "" {
		t.Errorf("folded record = %+v", rec)
	}
	if string(rec.Input) != `{"command":"ls"}` {
		t.Errorf("folded input = %s", rec.Input)
	}
}

func TestTitle(t *testing.T) {
	if got := Title(CustomTitle("s", "Renamed", time.Now())); got != "Renamed" {
		t.Errorf("Title(custom) = %q", got)
	}
	if got := Title(Parse([]byte(`{"type":"summary","summary":"Auto"}`))); got != "Auto" {
		t.Errorf("Title(summary) = %q", got)
	}
	a := CustomTitle("s", "Same", time.Now())
	b := CustomTitle("s", "Same", time.Now())
	if a.ID == b.ID {
		t.Error("repeated renames must not collapse")
	}
}

func TestThread(t *testing.T) {
	evs := []*Event{
		{ID: "a"},
		{ID: "b", ParentID: "a"},
		{ID: "c", ParentID: "a"},
		{ID: "d", ParentID: "missing"},
	}
	roots, children := Thread(evs)
	if len(roots) != 2 || roots[0].ID != "a" || roots[1].ID != "d" {
		t.Errorf("roots = %v", roots)
	}
	if len(children["a"]) != 2 {
		t.Errorf("children[a] = %v", children["a"])
	}
}

func TestTerminalMarshal(t *testing.T) {
	ev := Terminal("s", []byte("\x1b[0mhi"))
	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"type":"terminal"`) {
		t.Errorf("Marshal(terminal) = %s", out)
	}
}
