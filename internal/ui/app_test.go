package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/parley-chat/parley/internal/binder"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/presence"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/rooms"
	"github.com/parley-chat/parley/internal/session"
	"github.com/rs/zerolog"
)

func newTestModel(t *testing.T) Model {
	t.Helper()
	cfg, err := config.LoadOrDefault("/nonexistent/parley.yaml")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Server.URL = "ws://127.0.0.1:1/ws"

	log := zerolog.Nop()
	state := localstate.NewStore(t.TempDir())
	store := rooms.NewStore(cfg.Rooms.MessageCap)
	mgr := session.NewManager(cfg, log, store, state)
	t.Cleanup(mgr.Teardown)
	pres := presence.NewController(cfg, log, mgr, state)
	t.Cleanup(pres.Stop)
	bind := binder.New(cfg, log, store, state, mgr, pres, binder.Callbacks{})
	mgr.SetHandler(bind)
	if err := mgr.Init("u1", "alice", ""); err != nil {
		t.Fatalf("init session: %v", err)
	}

	return New(mgr, store, bind, pres)
}

func TestActivateOffset_WrapsAround(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("a", "Alpha", rooms.KindGroup)
	m.store.OpenRoom("b", "Beta", rooms.KindGroup)
	m.store.OpenRoom("c", "Gamma", rooms.KindGroup)
	m.snapshot = m.store.Snapshot()

	m.activateOffset(1)
	if got := m.store.ActiveRoomID(); got != "a" {
		t.Fatalf("next from c = %q, want a (wrap)", got)
	}

	m.snapshot = m.store.Snapshot()
	m.activateOffset(-1)
	if got := m.store.ActiveRoomID(); got != "c" {
		t.Fatalf("prev from a = %q, want c (wrap)", got)
	}
}

func TestView_ShowsTabsAndUnread(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.store.OpenRoom("random", "Random", rooms.KindGroup)
	m.store.SetActive("general")
	m.store.AddMessage("random", rooms.Message{ID: "srv-1", AuthorUsername: "bob", Body: "psst"})
	m.snapshot = m.store.Snapshot()
	m.width, m.height = 80, 24

	view := m.View()
	if !strings.Contains(view, "General") || !strings.Contains(view, "Random") {
		t.Fatalf("view missing tab labels:\n%s", view)
	}
	if !strings.Contains(view, "(1)") {
		t.Fatalf("view missing unread badge:\n%s", view)
	}
}

func TestView_RendersMessages(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.store.AddMessage("general", rooms.Message{ID: "srv-1", AuthorUsername: "bob", Body: "hello there"})
	m.snapshot = m.store.Snapshot()
	m.width, m.height = 80, 24

	if view := m.View(); !strings.Contains(view, "hello there") {
		t.Fatalf("view missing message body:\n%s", view)
	}
}

func TestHandleKey_SendClearsComposer(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.snapshot = m.store.Snapshot()
	m.input.SetValue("  hi all  ")

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	if m.input.Value() != "" {
		t.Fatalf("composer not cleared, value = %q", m.input.Value())
	}
	tab, _ := m.store.Tab("general")
	if len(tab.Messages) != 1 || tab.Messages[0].Body != "hi all" {
		t.Fatalf("messages = %+v, want one trimmed optimistic entry", tab.Messages)
	}
}

func TestHandleKey_SendIgnoresEmptyComposer(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.snapshot = m.store.Snapshot()
	m.input.SetValue("   ")

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	tab, _ := m.store.Tab("general")
	if len(tab.Messages) != 0 {
		t.Fatalf("blank composer produced messages: %+v", tab.Messages)
	}
}

func TestHandleKey_OpenRoomPrompt(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyCtrlO})
	m = next.(Model)
	if !m.prompting {
		t.Fatal("ctrl+o did not enter the open-room prompt")
	}

	m.input.SetValue("lobby")
	next, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	if m.prompting {
		t.Fatal("prompt still open after enter")
	}
	if m.input.Placeholder != composePlaceholder {
		t.Errorf("placeholder = %q, want composer restored", m.input.Placeholder)
	}
	tab, ok := m.store.Tab("lobby")
	if !ok || tab.Kind != rooms.KindGroup {
		t.Fatalf("Tab(lobby) = %+v, %v", tab, ok)
	}
	if got := m.store.ActiveRoomID(); got != "lobby" {
		t.Errorf("active room = %q, want lobby", got)
	}
	// The join request was emitted while disconnected, so it is queued.
	if got := m.mgr.PendingCount(); got != 1 {
		t.Errorf("PendingCount = %d, want the queued join", got)
	}
}

func TestOpenRoom_PrivateTargetDerivesStableID(t *testing.T) {
	m := newTestModel(t)

	m.openRoom("@bob")
	m.openRoom("@bob")

	wantID := protocol.PrivateRoomID("u1", "bob")
	tab, ok := m.store.Tab(wantID)
	if !ok || tab.Kind != rooms.KindPrivate {
		t.Fatalf("Tab(%q) = %+v, %v", wantID, tab, ok)
	}
	if snap := m.store.Snapshot(); len(snap.Tabs) != 1 {
		t.Fatalf("reopening the same conversation made %d tabs", len(snap.Tabs))
	}
}

func TestHandleKey_CancelRestoresComposer(t *testing.T) {
	m := newTestModel(t)
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.snapshot = m.store.Snapshot()

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyCtrlO})
	m = next.(Model)
	m.input.SetValue("half-typed")
	next, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)

	if m.prompting || m.input.Value() != "" {
		t.Fatalf("esc left prompt state: prompting=%v value=%q", m.prompting, m.input.Value())
	}

	m.input.SetValue("back to chatting")
	next, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	tab, _ := m.store.Tab("general")
	if len(tab.Messages) != 1 || tab.Messages[0].Body != "back to chatting" {
		t.Fatalf("messages = %+v, want the composed chat line", tab.Messages)
	}
}

func TestNextStatus_Cycles(t *testing.T) {
	got := nextStatus(presence.StatusOnline)
	if got != presence.StatusAway {
		t.Errorf("after online = %q, want away", got)
	}
	if got := nextStatus(presence.StatusOffline); got != presence.StatusOnline {
		t.Errorf("after offline = %q, want online (wrap)", got)
	}
	if got := nextStatus(presence.Status("bogus")); got != presence.StatusOnline {
		t.Errorf("unknown status = %q, want online", got)
	}
}
