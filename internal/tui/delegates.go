package tui

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cc_session_hub/internal/event"
	"cc_session_hub/internal/session"
)

// Column widths shared by the delegates and the column headers
const (
	SessionStatusWidth = 9
	SessionEventsWidth = 7
	SessionAgeWidth    = 8
	EventTimeWidth     = 8
	EventLabelWidth    = 12
)

// ============================================================================
// Session Item
// ============================================================================

type sessionItem struct {
	info session.Info
}

func (i sessionItem) FilterValue() string { return i.info.Title }
func (i sessionItem) Title() string       { return i.info.Title }
func (i sessionItem) Description() string {
	return fmt.Sprintf("%s | %d events | %s", i.info.Status, i.info.EventCount, formatTimeAgo(i.info.Modified))
}

type sessionDelegate struct {
	theme *Theme
	width int
}

func newSessionDelegate(theme *Theme) *sessionDelegate {
	return &sessionDelegate{theme: theme}
}

func (d *sessionDelegate) SetWidth(w int)                          { d.width = w }
func (d *sessionDelegate) Height() int                             { return 2 }
func (d *sessionDelegate) Spacing() int                            { return 0 }
func (d *sessionDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d *sessionDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	i, ok := item.(sessionItem)
	if !ok {
		return
	}
	t := d.theme

	status := t.ForStatus(i.info.Status).Render(padRight(string(i.info.Status), SessionStatusWidth))
	count := t.Muted.Render(padLeft(fmt.Sprint(i.info.EventCount), SessionEventsWidth))
	age := t.Muted.Render(padLeft(formatTimeAgo(i.info.Modified), SessionAgeWidth))

	titleWidth := max(d.width-SessionStatusWidth-SessionEventsWidth-SessionAgeWidth-6, 10)
	titleStyle := t.Normal
	if index == m.Index() {
		titleStyle = t.Selected
	}
	title := titleStyle.Render(padRight(truncate(i.info.Title, titleWidth), titleWidth))

	detail := i.info.WorkingDir
	if detail == "" {
		detail = i.info.ID
	} else {
		detail = filepath.Base(detail) + "  " + i.info.ID
	}
	if i.info.PendingPermissions > 0 {
		detail += t.Pending.Render(fmt.Sprintf("  %d waiting", i.info.PendingPermissions))
	}
	if i.info.Failed != "" {
		detail += t.Danger.Render("  log failed")
	}

	fmt.Fprintf(w, "%s  %s  %s  %s\n%s  %s",
		status, title, count, age,
		strings.Repeat(" ", SessionStatusWidth), t.Muted.Render(detail))
}

// ============================================================================
// Event Item
// ============================================================================

type eventItem struct {
	entry entry
}

func (i eventItem) FilterValue() string { return i.entry.text }
func (i eventItem) Title() string       { return i.entry.label }
func (i eventItem) Description() string { return truncate(i.entry.text, 60) }

type eventDelegate struct {
	theme *Theme
	width int
}

func newEventDelegate(theme *Theme) *eventDelegate {
	return &eventDelegate{theme: theme}
}

func (d *eventDelegate) SetWidth(w int)                          { d.width = w }
func (d *eventDelegate) Height() int                             { return 1 }
func (d *eventDelegate) Spacing() int                            { return 0 }
func (d *eventDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d *eventDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	i, ok := item.(eventItem)
	if !ok {
		return
	}
	t := d.theme
	e := i.entry

	stamp := ""
	if !e.ev.Timestamp.IsZero() {
		stamp = e.ev.Timestamp.Local().Format("15:04:05")
	}
	label := d.labelStyle(e).Render(padRight(e.label, EventLabelWidth))

	textWidth := max(d.width-EventTimeWidth-EventLabelWidth-4, 10)
	text := strings.ReplaceAll(e.text, "\n", " ")
	if e.ev.Kind == event.KindPermissionRequest {
		text = e.pattern + "  " + text
	}
	textStyle := t.Normal
	if index == m.Index() {
		textStyle = t.Selected
	}

	fmt.Fprintf(w, "%s  %s  %s", t.Timestamp.Render(stamp), label, textStyle.Render(truncate(text, textWidth)))
}

func (d *eventDelegate) labelStyle(e entry) lipgloss.Style {
	t := d.theme
	switch e.ev.Kind {
	case event.KindUser:
		return t.User
	case event.KindAssistant:
		if e.pattern != "" {
			return t.ForPattern(e.pattern)
		}
		return t.Assistant
	case event.KindPermissionRequest:
		switch e.status {
		case event.StatusPending:
			return t.Pending
		case event.StatusDeny:
			return t.Denied
		}
		return t.ForPattern(e.pattern)
	default:
		return t.System
	}
}

// ============================================================================
// Helper Functions
// ============================================================================

// formatTimeAgo returns a human-readable relative time string
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}

// truncate shortens a string to max runes with ellipsis
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// padRight pads a string with spaces on the right to reach target width
func padRight(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

// padLeft pads a string with spaces on the left to reach target width
func padLeft(s string, width int) string {
	n := len([]rune(s))
	if n >= width {
		return s
	}
	return strings.Repeat(" ", width-n) + s
}
