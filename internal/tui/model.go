package tui

import (
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"cc_session_hub/internal/bus"
	"cc_session_hub/internal/config"
	"cc_session_hub/internal/event"
	"cc_session_hub/internal/session"
)

// ViewMode represents the current view
type ViewMode int

const (
	ViewSessions ViewMode = iota // Session listing
	ViewEvents                   // Event log of the followed session
)

// Source is where the monitor reads sessions from.
type Source interface {
	List(session.ListRequest) (session.Page, error)
	Watch(id string) (*session.Subscription, error)
}

// ManagerSource reads from an in-process session manager.
type ManagerSource struct {
	Manager *session.Manager
}

// List returns one page of the listing.
func (s ManagerSource) List(req session.ListRequest) (session.Page, error) {
	return s.Manager.List(req)
}

// Watch subscribes to one session.
func (s ManagerSource) Watch(id string) (*session.Subscription, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Subscribe()
}

// ModelOptions configures the monitor.
type ModelOptions struct {
	Source Source
	// Notifications refreshes the listing when sessions change. Optional.
	Notifications *bus.Subscription[session.LifecycleEvent]
	Config        *config.Config
	PageSize      int
}

// Model represents the application state
type Model struct {
	source   Source
	notes    *bus.Subscription[session.LifecycleEvent]
	cfg      *config.Config
	theme    *Theme
	pageSize int
	viewMode ViewMode

	// UI components
	sessionList     list.Model
	eventList       list.Model
	sessionDelegate *sessionDelegate
	eventDelegate   *eventDelegate

	// Listing state. cursors holds the cursor of every page walked through;
	// the last one is the page on screen.
	page    session.Page
	cursors []string

	// Followed session
	tailID  string
	tail    *session.Subscription
	entries []entry

	detailOpen bool

	// UI dimensions
	width  int
	height int

	notice string
	err    error
}

// NewModel creates a new Model with initialized state
func NewModel(opts ModelOptions) Model {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	theme := NewTheme(opts.Config.Theme, opts.Config.ToolGroups)
	sessionDel := newSessionDelegate(theme)
	eventDel := newEventDelegate(theme)

	m := Model{
		source:          opts.Source,
		notes:           opts.Notifications,
		cfg:             opts.Config,
		theme:           theme,
		pageSize:        opts.PageSize,
		viewMode:        ViewSessions,
		cursors:         []string{""},
		sessionDelegate: sessionDel,
		eventDelegate:   eventDel,
	}

	m.sessionList = newList(sessionDel)
	m.eventList = newList(eventDel)
	return m
}

func newList(d list.ItemDelegate) list.Model {
	l := list.New([]list.Item{}, d, 0, 0)
	l.SetShowTitle(false)
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()
	return l
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadPageCmd(m.cursor()),
		m.waitLifecycleCmd(),
		m.tickCmd(),
	)
}

// Message types
type pageLoadedMsg struct {
	cursor string
	page   session.Page
}

type tailOpenedMsg struct {
	id  string
	sub *session.Subscription
}

type tailEventMsg struct {
	id string
	ev *event.Event
}

type tailClosedMsg struct {
	id  string
	err error
}

type (
	lifecycleMsg           session.LifecycleEvent
	notificationsClosedMsg struct{}
	tickMsg                time.Time
	errMsg                 struct{ error }
)

// cursor is the cursor of the page on screen.
func (m Model) cursor() string {
	return m.cursors[len(m.cursors)-1]
}

// loadPageCmd fetches one page of the listing
func (m Model) loadPageCmd(cursor string) tea.Cmd {
	src, limit := m.source, m.pageSize
	return func() tea.Msg {
		page, err := src.List(session.ListRequest{Limit: limit, Cursor: cursor})
		if err != nil {
			return errMsg{err}
		}
		return pageLoadedMsg{cursor: cursor, page: page}
	}
}

// waitLifecycleCmd waits for the next lifecycle notification
func (m Model) waitLifecycleCmd() tea.Cmd {
	notes := m.notes
	if notes == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-notes.C
		if !ok {
			return notificationsClosedMsg{}
		}
		return lifecycleMsg(ev)
	}
}

// openCmd subscribes to a session
func (m Model) openCmd(id string) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		sub, err := src.Watch(id)
		if err != nil {
			return errMsg{err}
		}
		return tailOpenedMsg{id: id, sub: sub}
	}
}

// waitEventCmd waits for the next live event of the followed session
func waitEventCmd(id string, sub *session.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Live.C
		if !ok {
			err := sub.Live.Err()
			if errors.Is(err, bus.ErrTopicClosed) {
				err = nil
			}
			return tailClosedMsg{id: id, err: err}
		}
		return tailEventMsg{id: id, ev: ev}
	}
}

// tickCmd returns a command that ticks every 30 seconds to refresh timestamps
func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(30*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// updateSessionList rebuilds the session list items
func (m Model) updateSessionList() Model {
	items := make([]list.Item, len(m.page.Items))
	for i, info := range m.page.Items {
		items[i] = sessionItem{info: info}
	}
	m.sessionList.SetItems(items)
	if m.sessionList.Index() >= len(items) && len(items) > 0 {
		m.sessionList.Select(len(items) - 1)
	}
	return m
}

// visible reports whether an entry belongs in the event list.
func (m Model) visible(e entry) bool {
	if e.ev.Kind == event.KindPermissionRequest && m.cfg.ShouldExclude(e.pattern) {
		return false
	}
	return true
}

// updateEventList rebuilds the event list, newest first
func (m Model) updateEventList() Model {
	// Remember if user was at the top (following tail)
	wasAtTop := m.eventList.Index() == 0
	previousCount := len(m.eventList.Items())

	items := make([]list.Item, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.visible(m.entries[i]) {
			items = append(items, eventItem{entry: m.entries[i]})
		}
	}
	m.eventList.SetItems(items)

	// Only auto-scroll to top if user was already at top, or this is initial load
	if wasAtTop || previousCount == 0 {
		m.eventList.Select(0)
	} else if added := len(items) - previousCount; added > 0 {
		// keep the same event under the cursor
		m.eventList.Select(m.eventList.Index() + added)
	}
	return m
}

// addEvent applies one live event to the followed session's entries.
func (m Model) addEvent(ev *event.Event) Model {
	switch {
	case ev.Kind == event.KindError:
		m.notice = errorText(ev)
		return m
	case !ev.Kind.Persistent():
		return m
	}
	if res, ok := event.ResolutionTarget(ev); ok {
		for i := range m.entries {
			if m.entries[i].ev.ID == res.RequestID {
				m.entries[i] = describe(event.Fold(m.entries[i].ev, res))
				break
			}
		}
		return m
	}
	m.entries = append(m.entries, describe(ev))
	return m
}

// closeTail stops following the current session
func (m Model) closeTail() Model {
	if m.tail != nil {
		m.tail.Close()
	}
	m.tail = nil
	m.tailID = ""
	m.entries = nil
	m.detailOpen = false
	m.eventList.SetItems([]list.Item{})
	return m
}

// updateListSizes updates list dimensions based on terminal size
func (m Model) updateListSizes() Model {
	// Reserve space for header (2), tabs (2), column headers (1), help (2), margins (2)
	listHeight := max(m.height-9, 5)
	listWidth := max(m.width-4, 20)

	// Event list width is reduced when detail panel is open
	eventListWidth := listWidth
	if m.viewMode == ViewEvents && m.detailOpen {
		eventListWidth = int(float64(listWidth) * 0.58)
	}

	m.sessionDelegate.SetWidth(listWidth)
	m.eventDelegate.SetWidth(eventListWidth)

	m.sessionList.SetSize(listWidth, listHeight)
	m.eventList.SetSize(eventListWidth, listHeight)
	return m
}

// SelectedSession returns the highlighted session, if any
func (m Model) SelectedSession() (session.Info, bool) {
	item, ok := m.sessionList.SelectedItem().(sessionItem)
	if !ok {
		return session.Info{}, false
	}
	return item.info, true
}

// selectedEntry returns the highlighted event, if any
func (m Model) selectedEntry() (entry, bool) {
	item, ok := m.eventList.SelectedItem().(eventItem)
	if !ok {
		return entry{}, false
	}
	return item.entry, true
}

// followedTitle names the followed session from the listing when it is on
// the current page.
func (m Model) followedTitle() string {
	for _, info := range m.page.Items {
		if info.ID == m.tailID {
			return info.Title
		}
	}
	return m.tailID
}
