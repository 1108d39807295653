package tui

import (
	"encoding/json"
	"strings"

	"cc_session_hub/internal/event"
	"cc_session_hub/internal/permission"
)

// entry is an event reduced to what one list row shows.
type entry struct {
	ev      *event.Event
	label   string
	text    string
	tool    string
	pattern string
	status  string
	input   json.RawMessage
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// describe summarizes an event for the log view.
func describe(ev *event.Event) entry {
	e := entry{ev: ev, label: string(ev.Kind)}
	switch ev.Kind {
	case event.KindUser:
		if text, ok := event.UserText(ev); ok {
			e.text = text
		} else {
			e.label = "tool result"
		}
	case event.KindAssistant:
		e.text, e.tool, e.input = assistantText(ev.Raw)
		if e.tool != "" {
			e.pattern = permission.Pattern(e.tool, e.input)
		}
	case event.KindPermissionRequest:
		var rec event.PermissionRecord
		if err := json.Unmarshal(ev.Raw, &rec); err == nil {
			e.label = "permission"
			e.tool, e.pattern, e.status, e.input = rec.ToolName, rec.Pattern, rec.Status, rec.Input
			e.text = permission.Describe(rec.ToolName, rec.Input)
		}
	case event.KindTitle:
		e.text = event.Title(ev)
	case event.KindSystem, event.KindResult, event.KindQueueState:
		var rec struct {
			Subtype   string `json:"subtype"`
			Operation string `json:"operation"`
			Reason    string `json:"reason"`
			Result    string `json:"result"`
		}
		_ = json.Unmarshal(ev.Raw, &rec)
		e.text = strings.Join(nonEmpty(rec.Subtype, rec.Operation, rec.Reason, firstLine(rec.Result)), ": ")
	default:
		if ev.Tag != "" {
			e.label = ev.Tag
		}
	}
	return e
}

// assistantText joins the text blocks of an assistant message. The last tool
// call, if any, is reported separately.
func assistantText(raw json.RawMessage) (text, tool string, input json.RawMessage) {
	var rec struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", nil
	}
	var s string
	if err := json.Unmarshal(rec.Message.Content, &s); err == nil {
		return s, "", nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(rec.Message.Content, &blocks); err != nil {
		return "", "", nil
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			tool, input = b.Name, b.Input
			parts = append(parts, "-> "+b.Name+" "+permission.Describe(b.Name, b.Input))
		}
	}
	return strings.Join(parts, "\n"), tool, input
}

func nonEmpty(ss ...string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// errorText returns the message of an error control event.
func errorText(ev *event.Event) string {
	var rec struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ev.Raw, &rec); err != nil || rec.Message == "" {
		return "session error"
	}
	return rec.Message
}
