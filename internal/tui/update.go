package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"cc_session_hub/internal/session"
)

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m.updateListSizes(), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case pageLoadedMsg:
		if msg.cursor != m.cursor() {
			// a reply for a page we have since left
			return m, nil
		}
		m.page = msg.page
		m.err = nil
		return m.updateSessionList(), nil

	case lifecycleMsg:
		cmds := []tea.Cmd{m.waitLifecycleCmd(), m.loadPageCmd(m.cursor())}
		if msg.Type == session.Deleted && msg.SessionID == m.tailID {
			m = m.closeTail()
			m.viewMode = ViewSessions
			m.notice = "session deleted"
			m = m.updateListSizes()
		}
		return m, tea.Batch(cmds...)

	case notificationsClosedMsg:
		m.notes = nil
		return m, nil

	case tailOpenedMsg:
		m = m.closeTail()
		m.tailID = msg.id
		m.tail = msg.sub
		for _, ev := range msg.sub.History {
			m = m.addEvent(ev)
		}
		m.viewMode = ViewEvents
		m.notice = ""
		m = m.updateListSizes()
		return m.updateEventList(), waitEventCmd(msg.id, msg.sub)

	case tailEventMsg:
		if msg.id != m.tailID {
			return m, nil
		}
		m = m.addEvent(msg.ev)
		return m.updateEventList(), waitEventCmd(msg.id, m.tail)

	case tailClosedMsg:
		if msg.id != m.tailID {
			return m, nil
		}
		m.tail = nil
		if msg.err != nil {
			m.notice = fmt.Sprintf("stopped following: %v", msg.err)
		} else {
			m.notice = "session closed"
		}
		return m, nil

	case tickMsg:
		// Refresh relative timestamps
		return m, m.tickCmd()

	case errMsg:
		m.err = msg.error
		return m, nil
	}

	return m, nil
}

// handleKey processes keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m = m.closeTail()
		return m, tea.Quit

	case "esc":
		switch {
		case m.err != nil:
			m.err = nil
		case m.detailOpen:
			m.detailOpen = false
			m = m.updateListSizes()
		case m.viewMode == ViewEvents:
			m = m.closeTail()
			m.viewMode = ViewSessions
			m = m.updateListSizes()
		}
		return m, nil

	case "1":
		m.viewMode = ViewSessions
		return m.updateListSizes(), nil

	case "2", "tab":
		if m.tailID == "" {
			return m, nil
		}
		if msg.String() == "tab" && m.viewMode == ViewEvents {
			m.viewMode = ViewSessions
		} else {
			m.viewMode = ViewEvents
		}
		return m.updateListSizes(), nil

	case "enter":
		if m.viewMode == ViewSessions {
			info, ok := m.SelectedSession()
			if !ok {
				return m, nil
			}
			return m, m.openCmd(info.ID)
		}
		if _, ok := m.selectedEntry(); ok {
			m.detailOpen = !m.detailOpen
			m = m.updateListSizes()
		}
		return m, nil

	case "n":
		if m.viewMode != ViewSessions || !m.page.HasMore {
			return m, nil
		}
		m.cursors = append(m.cursors, m.page.NextCursor)
		m.sessionList.Select(0)
		return m, m.loadPageCmd(m.cursor())

	case "p":
		if m.viewMode != ViewSessions || len(m.cursors) == 1 {
			return m, nil
		}
		m.cursors = m.cursors[:len(m.cursors)-1]
		m.sessionList.Select(0)
		return m, m.loadPageCmd(m.cursor())

	case "r":
		return m, m.loadPageCmd(m.cursor())
	}

	// Pass to the active list
	var cmd tea.Cmd
	if m.viewMode == ViewEvents {
		m.eventList, cmd = m.eventList.Update(msg)
	} else {
		m.sessionList, cmd = m.sessionList.Update(msg)
	}
	return m, cmd
}
