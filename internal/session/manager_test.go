package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/rooms"
)

func testConfig(url string) *config.Config {
	cfg, _ := config.LoadOrDefault("/nonexistent/parley.yaml")
	cfg.Server.URL = url
	cfg.Session.FaultReconnectDelay = 10 * time.Millisecond
	cfg.Session.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.Session.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.Session.HeartbeatForeground = time.Hour
	cfg.Session.HeartbeatBackground = time.Hour
	cfg.Session.WatchdogInterval = 20 * time.Millisecond
	cfg.Session.StaleBackgroundThreshold = 50 * time.Millisecond
	return cfg
}

// testServer accepts WebSocket upgrades and fans every inbound envelope
// into frames, keeping each server-side connection on conns so tests can
// kill it.
type testServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan protocol.Envelope
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan protocol.Envelope, 64),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.conns <- conn
		go func() {
			for {
				var env protocol.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				ts.frames <- env
			}
		}()
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (ts *testServer) nextFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ts.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func newTestManager(t *testing.T, url string) *Manager {
	t.Helper()
	store := rooms.NewStore(0)
	state := localstate.NewStore(t.TempDir())
	m := NewManager(testConfig(url), zerolog.Nop(), store, state)
	t.Cleanup(m.Teardown)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectHandshake(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.store.AddMessage("general", rooms.Message{ID: "srv-41", Body: "earlier"})

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}

	env := ts.nextFrame(t)
	if env.Event != protocol.EvAuthLogin {
		t.Fatalf("first frame = %q, want %q", env.Event, protocol.EvAuthLogin)
	}
	var authp protocol.AuthPayload
	if err := env.Decode(&authp); err != nil {
		t.Fatalf("decode auth payload: %v", err)
	}
	if authp.UserID != "u1" || authp.Username != "alice" {
		t.Fatalf("auth payload = %+v", authp)
	}

	env = ts.nextFrame(t)
	if env.Event != protocol.EvSilentRejoin || env.Room != "general" {
		t.Fatalf("second frame = %q room %q, want silent rejoin of general", env.Event, env.Room)
	}
	var rejoin protocol.RejoinPayload
	if err := env.Decode(&rejoin); err != nil {
		t.Fatalf("decode rejoin payload: %v", err)
	}
	if rejoin.LastMessageID != "srv-41" {
		t.Fatalf("rejoin cursor = %q, want srv-41", rejoin.LastMessageID)
	}

	waitFor(t, "Connected status", func() bool { return m.Status() == Connected })
	if m.ConnectionID() == "" {
		t.Fatal("empty connection id while connected")
	}
}

func TestManager_EmitsConnectedEventAndRunsHooks(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	hooked := make(chan string, 1)
	m.OnConnect(func(connectionID string) { hooked <- connectionID })

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var connected ConnectedEvent
	select {
	case ev := <-m.Events():
		var ok bool
		connected, ok = ev.(ConnectedEvent)
		if !ok {
			t.Fatalf("first event = %T, want ConnectedEvent", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ConnectedEvent")
	}

	select {
	case id := <-hooked:
		if id != connected.ConnectionID {
			t.Fatalf("hook saw connection %q, event carried %q", id, connected.ConnectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook never ran")
	}
}

func TestManager_NewConnectionIDOnReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	conn := ts.nextConn(t)
	waitFor(t, "first connect", func() bool { return m.Status() == Connected })
	first := m.ConnectionID()

	conn.Close()

	ts.nextConn(t)
	waitFor(t, "reconnect", func() bool {
		return m.Status() == Connected && m.ConnectionID() != first
	})
	if second := m.ConnectionID(); second == "" || second == first {
		t.Fatalf("connection id not rotated: first %q second %q", first, second)
	}
}

func TestManager_FlushesQueueOnReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())
	// Slow the redial down enough that the send below reliably lands in
	// the disconnected window.
	m.cfg.Session.FaultReconnectDelay = 300 * time.Millisecond
	m.cfg.Session.ReconnectBaseDelay = 300 * time.Millisecond

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	conn := ts.nextConn(t)
	waitFor(t, "connect", func() bool { return m.Status() == Connected })
	ts.nextFrame(t) // auth

	conn.Close()
	waitFor(t, "disconnect noticed", func() bool { return m.Status() != Connected })

	if err := m.Send(protocol.EvChatMessage, "general", protocol.ChatPayload{Body: "while offline"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", m.PendingCount())
	}

	ts.nextConn(t)
	env := ts.nextFrame(t)
	if env.Event != protocol.EvAuthLogin {
		t.Fatalf("first frame after reconnect = %q, want auth", env.Event)
	}
	env = ts.nextFrame(t)
	if env.Event != protocol.EvChatMessage || env.Room != "general" {
		t.Fatalf("queued frame = %q room %q, want chat in general", env.Event, env.Room)
	}
	waitFor(t, "queue drained", func() bool { return m.PendingCount() == 0 })
}

func TestManager_QueuesWhileUnreachable(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.Send(protocol.EvChatMessage, "general", protocol.ChatPayload{Body: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := m.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}
}

func TestManager_SendWithoutIdentity(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	if err := m.Send(protocol.EvChatMessage, "general", nil); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("Send without identity: %v, want ErrNoIdentity", err)
	}
	if m.PendingCount() != 0 {
		t.Fatal("entry queued without an identity")
	}
}

func TestManager_IdentitySwitchClearsQueue(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")

	if err := m.Init("alice-id", "alice", ""); err != nil {
		t.Fatalf("Init alice: %v", err)
	}
	m.Send(protocol.EvChatMessage, "general", protocol.ChatPayload{Body: "alice says"})
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", m.PendingCount())
	}

	if err := m.Init("bob-id", "bob", ""); err != nil {
		t.Fatalf("Init bob: %v", err)
	}
	if got := m.PendingCount(); got != 0 {
		t.Fatalf("PendingCount after identity switch = %d, want 0", got)
	}
	if id := m.Identity(); id.UserID != "bob-id" {
		t.Fatalf("identity = %q, want bob-id", id.UserID)
	}
}

func TestManager_InitSameIdentityIsStable(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ts.nextConn(t)
	waitFor(t, "connect", func() bool { return m.Status() == Connected })
	first := m.ConnectionID()

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if m.ConnectionID() != first {
		t.Fatal("re-Init with the same identity replaced a healthy connection")
	}
}

func TestManager_SendChatOptimistic(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	m.store.OpenRoom("general", "General", rooms.KindGroup)

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := m.SendChat("general", "hello room"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	tab, ok := m.store.Tab("general")
	if !ok || len(tab.Messages) != 1 {
		t.Fatalf("expected 1 optimistic message, got %+v", tab)
	}
	msg := tab.Messages[0]
	if !msg.Pending || !msg.IsOwn {
		t.Fatalf("optimistic message not pending+own: %+v", msg)
	}
	if !strings.HasPrefix(msg.ID, "local:") || msg.ClientMsgID == "" {
		t.Fatalf("optimistic message ids: %+v", msg)
	}
}

func TestManager_TeardownDropsIdentity(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitFor(t, "connect", func() bool { return m.Status() == Connected })

	m.Teardown()
	if m.Status() != Disconnected {
		t.Fatalf("status after Teardown = %v, want Disconnected", m.Status())
	}
	if id := m.Identity(); id.UserID != "" {
		t.Fatalf("identity survives Teardown: %+v", id)
	}
	if err := m.Send(protocol.EvChatMessage, "general", nil); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("Send after Teardown: %v, want ErrNoIdentity", err)
	}
}

func TestManager_StaleBackgroundForegroundRefreshes(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())
	m.store.OpenRoom("general", "General", rooms.KindGroup)
	m.store.AddMessage("general", rooms.Message{ID: "srv-12", Body: "before background"})

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitFor(t, "connect", func() bool { return m.Status() == Connected })
	first := m.ConnectionID()
	ts.nextFrame(t) // auth
	ts.nextFrame(t) // silent rejoin

	// A long background interval makes the connection untrustworthy even
	// though the transport still reports it open.
	m.SetAppState(Background)
	time.Sleep(80 * time.Millisecond) // past the 50ms stale threshold
	m.SetAppState(Foreground)

	env := ts.nextFrame(t)
	if env.Event != protocol.EvAuthLogin {
		t.Fatalf("first frame after resume = %q, want fresh auth", env.Event)
	}
	env = ts.nextFrame(t)
	if env.Event != protocol.EvSilentRejoin || env.Room != "general" {
		t.Fatalf("second frame after resume = %q room %q, want silent rejoin of general", env.Event, env.Room)
	}
	var rejoin protocol.RejoinPayload
	if err := env.Decode(&rejoin); err != nil {
		t.Fatalf("decode rejoin payload: %v", err)
	}
	if rejoin.LastMessageID != "srv-12" {
		t.Fatalf("rejoin cursor = %q, want srv-12", rejoin.LastMessageID)
	}

	// The socket was healthy, so no reconnect happened.
	if m.Status() != Connected || m.ConnectionID() != first {
		t.Fatalf("healthy connection replaced: status %v, id %q vs %q", m.Status(), m.ConnectionID(), first)
	}
}

func TestManager_ShortBackgroundStaysQuiet(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(t, ts.url())

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	waitFor(t, "connect", func() bool { return m.Status() == Connected })
	ts.nextFrame(t) // auth

	m.SetAppState(Background)
	time.Sleep(10 * time.Millisecond) // well under the stale threshold
	m.SetAppState(Foreground)

	select {
	case env := <-ts.frames:
		t.Fatalf("short background triggered %q", env.Event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManager_HeartbeatPeriodTracksAppState(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	m.cfg.Session.HeartbeatForeground = 30 * time.Second
	m.cfg.Session.HeartbeatBackground = 15 * time.Second

	if got := m.heartbeatPeriod(); got != 30*time.Second {
		t.Fatalf("foreground period = %v, want 30s", got)
	}
	m.SetAppState(Background)
	if got := m.heartbeatPeriod(); got != 15*time.Second {
		t.Fatalf("background period = %v, want 15s", got)
	}
	m.SetAppState(Foreground)
	if got := m.heartbeatPeriod(); got != 30*time.Second {
		t.Fatalf("period after foreground = %v, want 30s", got)
	}
}

func TestManager_BackgroundWatchdogForcesRetries(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws")
	// Park ordinary backoff far out so only the watchdog can retry.
	m.cfg.Session.ReconnectBaseDelay = time.Hour
	m.cfg.Session.ReconnectMaxDelay = time.Hour
	m.cfg.Session.FaultReconnectDelay = time.Hour

	if err := m.Init("u1", "alice", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.SetAppState(Background)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-m.Events():
			if r, ok := ev.(ReconnectingEvent); ok && r.Attempt >= 2 {
				return
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("watchdog never forced a retry past the parked backoff")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRecoverable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net timeout", net.Error(timeoutErr{}), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"service restart", &websocket.CloseError{Code: websocket.CloseServiceRestart}, true},
		{"try again later", &websocket.CloseError{Code: websocket.CloseTryAgainLater}, true},
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, false},
		{"plain error", errors.New("boom"), false},
		{"superseded", errStale, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRecoverable(tc.err); got != tc.want {
				t.Errorf("isRecoverable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if got := Connected.String(); got != "connected" {
		t.Errorf("Connected.String() = %q", got)
	}
	if got := Status(99).String(); got != "unknown" {
		t.Errorf("Status(99).String() = %q", got)
	}
}
