package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"cc_session_hub/internal/session"
)

// View renders the UI based on the model state
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	t := m.theme

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderViewTabs())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(t.Error.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
	}

	switch m.viewMode {
	case ViewSessions:
		b.WriteString(m.renderSessionHeaders())
		b.WriteString("\n")
		b.WriteString(m.sessionList.View())
	case ViewEvents:
		b.WriteString(m.renderEventHeaders())
		b.WriteString("\n")
		content := m.eventList.View()
		if m.detailOpen {
			panelWidth := max(m.width-4-m.eventList.Width()-2, 20)
			panel := m.renderDetailPanel(panelWidth, m.eventList.Height())
			content = lipgloss.JoinHorizontal(lipgloss.Top, content, "  ", panel)
		}
		b.WriteString(content)
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

// renderHeader renders the top header bar
func (m Model) renderHeader() string {
	t := m.theme
	title := t.Title.Render("Claude Code Session Hub")

	active := 0
	for _, info := range m.page.Items {
		if info.Status == session.StatusActive {
			active++
		}
	}

	var status string
	switch {
	case m.notice != "":
		status = t.Warning.Render(m.notice)
	case len(m.page.Items) == 0:
		status = t.Status.Render("No sessions found")
	default:
		more := ""
		if m.page.HasMore {
			more = "+"
		}
		status = t.Status.Render(fmt.Sprintf("page %d: %d%s sessions (%d active)",
			len(m.cursors), len(m.page.Items), more, active))
	}

	followed := ""
	if m.tailID != "" {
		style := t.Active
		if m.tail == nil {
			style = t.Archived
		}
		followed = style.Render(" [" + truncate(m.followedTitle(), 30) + "]")
	}

	spacing := max(m.width-lipgloss.Width(title)-lipgloss.Width(status)-lipgloss.Width(followed)-4, 1)
	return lipgloss.JoinHorizontal(lipgloss.Top, title, strings.Repeat(" ", spacing), status, followed)
}

// renderViewTabs renders the tab bar for view modes
func (m Model) renderViewTabs() string {
	t := m.theme
	tabs := []struct {
		name string
		mode ViewMode
		key  string
	}{
		{"Sessions", ViewSessions, "1"},
		{"Events", ViewEvents, "2"},
	}

	rendered := make([]string, len(tabs))
	for i, tab := range tabs {
		label := fmt.Sprintf("%s %s", tab.key, tab.name)
		switch {
		case tab.mode == m.viewMode:
			rendered[i] = t.ActiveTab.Render(label)
		case tab.mode == ViewEvents && m.tailID == "":
			rendered[i] = t.InactiveTab.Faint(true).Render(label)
		default:
			rendered[i] = t.InactiveTab.Render(label)
		}
	}

	row := lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	gap := strings.Repeat("─", max(0, m.width-lipgloss.Width(row)-2))
	return row + t.TabGap.Render(gap)
}

// renderHelp renders the help footer
func (m Model) renderHelp() string {
	var help []string
	switch m.viewMode {
	case ViewSessions:
		help = []string{"j/k:navigate", "enter:follow", "n/p:page", "r:refresh", "q:quit"}
		if m.tailID != "" {
			help = slices.Insert(help, 2, "tab:events")
		}
	case ViewEvents:
		help = []string{"j/k:navigate", "enter:details", "tab:sessions", "esc:back", "q:quit"}
	}
	return m.theme.Help.Render(strings.Join(help, " | "))
}

// renderSessionHeaders renders column headers for the session list
func (m Model) renderSessionHeaders() string {
	titleWidth := max(m.width-4-SessionStatusWidth-SessionEventsWidth-SessionAgeWidth-6, 10)
	header := fmt.Sprintf("%s  %s  %s  %s",
		padRight("Status", SessionStatusWidth),
		padRight("Title", titleWidth),
		padLeft("Events", SessionEventsWidth),
		padLeft("Updated", SessionAgeWidth),
	)
	return m.theme.ColumnHeader(m.width - 4).Render(header)
}

// renderEventHeaders renders column headers for the event list
func (m Model) renderEventHeaders() string {
	header := fmt.Sprintf("%s  %s  %s",
		padRight("Time", EventTimeWidth),
		padRight("Kind", EventLabelWidth),
		"Content",
	)
	return m.theme.ColumnHeader(m.width - 4).Render(header)
}
