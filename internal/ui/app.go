// Package ui is the terminal front end: a Bubble Tea model rendering the
// room tabs, the active room's message stream, and a composer line. It is
// a pure consumer of the store snapshots and session events; all chat
// semantics live below it.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parley-chat/parley/internal/binder"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/rooms"
	"github.com/parley-chat/parley/internal/session"
)

var (
	styleTabActive = lipgloss.NewStyle().Bold(true).Underline(true)
	styleTab       = lipgloss.NewStyle().Faint(true)
	styleUnread    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleOwn       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stylePending   = lipgloss.NewStyle().Faint(true)
	styleSystem    = lipgloss.NewStyle().Italic(true).Faint(true)
	styleStatusUp  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleStatusDn  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleHelp      = lipgloss.NewStyle().Faint(true)
)

const composePlaceholder = "Say something..."
const openRoomPlaceholder = "room id, or @user for a private chat"

// snapshotMsg carries a fresh store snapshot into the event loop.
type snapshotMsg rooms.Snapshot

// sessionMsg wraps one session manager event.
type sessionMsg struct{ ev any }

// Model is the root Bubble Tea model.
type Model struct {
	mgr   *session.Manager
	store *rooms.Store
	bind  *binder.Binder
	pres  *presence.Controller

	keys  KeyMap
	input textinput.Model

	snapshots chan rooms.Snapshot
	events    <-chan any

	snapshot  rooms.Snapshot
	status    session.Status
	prompting bool
	width     int
	height    int
}

// New builds the root model and subscribes it to store updates.
func New(mgr *session.Manager, store *rooms.Store, bind *binder.Binder, pres *presence.Controller) Model {
	input := textinput.New()
	input.Placeholder = composePlaceholder
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Focus()

	snapshots := make(chan rooms.Snapshot, 16)
	store.Subscribe(func(s rooms.Snapshot) {
		select {
		case snapshots <- s:
		default:
		}
	})

	return Model{
		mgr:       mgr,
		store:     store,
		bind:      bind,
		pres:      pres,
		keys:      DefaultKeyMap(),
		input:     input,
		snapshots: snapshots,
		events:    mgr.Events(),
		snapshot:  store.Snapshot(),
		status:    mgr.Status(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitSnapshot(), m.waitEvent(), textinput.Blink)
}

func (m Model) waitSnapshot() tea.Cmd {
	ch := m.snapshots
	return func() tea.Msg { return snapshotMsg(<-ch) }
}

func (m Model) waitEvent() tea.Cmd {
	ch := m.events
	return func() tea.Msg { return sessionMsg{ev: <-ch} }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		m.snapshot = rooms.Snapshot(msg)
		return m, m.waitSnapshot()

	case sessionMsg:
		switch msg.ev.(type) {
		case session.ConnectedEvent:
			m.status = session.Connected
		case session.ReconnectingEvent:
			m.status = session.Reconnecting
		case session.DisconnectedEvent:
			m.status = session.Reconnecting
		}
		return m, m.waitEvent()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.mgr.Teardown()
		return m, tea.Quit

	case key.Matches(msg, m.keys.OpenRoom):
		m.prompting = true
		m.input.SetValue("")
		m.input.Placeholder = openRoomPlaceholder
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		if m.prompting {
			m.prompting = false
			m.input.SetValue("")
			m.input.Placeholder = composePlaceholder
		}
		return m, nil

	case key.Matches(msg, m.keys.NextRoom):
		m.activateOffset(1)
		return m, nil

	case key.Matches(msg, m.keys.PrevRoom):
		m.activateOffset(-1)
		return m, nil

	case key.Matches(msg, m.keys.CloseRoom):
		if active := m.snapshot.ActiveRoomID; active != "" {
			m.bind.Unbind(active)
			m.store.CloseRoom(active)
		}
		return m, nil

	case key.Matches(msg, m.keys.Presence):
		m.pres.SetStatus(nextStatus(m.pres.Local()))
		return m, nil

	case key.Matches(msg, m.keys.Send):
		value := strings.TrimSpace(m.input.Value())
		if m.prompting {
			m.openRoom(value)
			m.prompting = false
			m.input.SetValue("")
			m.input.Placeholder = composePlaceholder
			return m, nil
		}
		if value == "" || m.snapshot.ActiveRoomID == "" {
			return m, nil
		}
		m.mgr.SendChat(m.snapshot.ActiveRoomID, value)
		m.input.SetValue("")
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// openRoom opens (or reactivates) the tab for target and binds it on the
// live connection. A target of the form @user opens the 1:1 conversation
// with that user; the room id is derived from the two participant ids, so
// reopening the same conversation reuses the existing tab.
func (m *Model) openRoom(target string) {
	if target == "" {
		return
	}
	if other, ok := strings.CutPrefix(target, "@"); ok && other != "" {
		roomID := protocol.PrivateRoomID(m.mgr.Identity().UserID, other)
		m.store.OpenRoom(roomID, target, rooms.KindPrivate)
		m.bind.Bind(roomID)
		return
	}
	m.store.OpenRoom(target, "", rooms.KindGroup)
	m.bind.Bind(target)
}

// activateOffset moves the active tab left or right with wraparound.
func (m *Model) activateOffset(delta int) {
	tabs := m.snapshot.Tabs
	if len(tabs) < 2 {
		return
	}
	cur := 0
	for i, t := range tabs {
		if t.RoomID == m.snapshot.ActiveRoomID {
			cur = i
			break
		}
	}
	next := (cur + delta + len(tabs)) % len(tabs)
	m.store.SetActive(tabs[next].RoomID)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	sections := []string{
		m.renderTabs(),
		m.renderMessages(),
		m.input.View(),
		m.renderStatusLine(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTabs() string {
	if len(m.snapshot.Tabs) == 0 {
		return styleTab.Render(" no rooms open ")
	}
	parts := make([]string, 0, len(m.snapshot.Tabs))
	for _, t := range m.snapshot.Tabs {
		label := t.DisplayName
		if label == "" {
			label = t.RoomID
		}
		if t.UnreadCount > 0 {
			label += styleUnread.Render(fmt.Sprintf(" (%d)", t.UnreadCount))
		}
		if t.RoomID == m.snapshot.ActiveRoomID {
			parts = append(parts, styleTabActive.Render(" "+label+" "))
		} else {
			parts = append(parts, styleTab.Render(" "+label+" "))
		}
	}
	return strings.Join(parts, "|")
}

func (m Model) renderMessages() string {
	active := m.snapshot.Active()
	pane := m.height - 4
	if pane < 1 {
		pane = 10
	}
	if active == nil {
		return strings.Repeat("\n", pane-1)
	}

	msgs := active.Messages
	if len(msgs) > pane {
		msgs = msgs[len(msgs)-pane:]
	}
	lines := make([]string, 0, pane)
	for _, msg := range msgs {
		lines = append(lines, renderMessage(msg))
	}
	for len(lines) < pane {
		lines = append([]string{""}, lines...)
	}
	return strings.Join(lines, "\n")
}

func renderMessage(msg rooms.Message) string {
	ts := msg.Timestamp.Format("15:04")
	switch msg.Kind {
	case protocol.KindSystem, protocol.KindNotice, protocol.KindPresence:
		return styleSystem.Render(fmt.Sprintf("%s * %s", ts, msg.Body))
	}
	author := msg.AuthorUsername
	if msg.IsOwn {
		author = styleOwn.Render(author)
	}
	line := fmt.Sprintf("%s <%s> %s", ts, author, msg.Body)
	if msg.Pending {
		return stylePending.Render(line + " ...")
	}
	return line
}

func (m Model) renderStatusLine() string {
	conn := styleStatusDn.Render("○ " + m.status.String())
	if m.status == session.Connected {
		conn = styleStatusUp.Render("● connected")
	}
	left := fmt.Sprintf("%s  [%s]", conn, m.pres.Local())
	help := styleHelp.Render("ctrl+o:open  tab:rooms  ctrl+w:close  ctrl+p:presence  ctrl+c:quit")
	return left + "  " + help
}

// nextStatus cycles through the manually selectable presence states.
func nextStatus(s presence.Status) presence.Status {
	order := []presence.Status{
		presence.StatusOnline,
		presence.StatusAway,
		presence.StatusBusy,
		presence.StatusInvisible,
		presence.StatusOffline,
	}
	for i, cur := range order {
		if cur == s {
			return order[(i+1)%len(order)]
		}
	}
	return presence.StatusOnline
}
