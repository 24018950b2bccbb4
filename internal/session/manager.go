// Package session owns the single physical connection per logged-in user:
// its lifecycle state machine, reconnection policy, heartbeats, and the
// app-lifecycle reactions that keep a mobile client alive through
// background churn and silent socket death.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/rooms"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrNoIdentity is returned when an operation requires an authenticated
// identity and none is present. The refusal is local; nothing reaches the
// network.
var ErrNoIdentity = errors.New("no authenticated identity")

var errStale = errors.New("connection superseded")

// RoomHandler receives inbound frames and re-arms room listeners after
// every (re)connect. Implemented by the binder.
type RoomHandler interface {
	Rearm(connectionID string)
	Dispatch(env *protocol.Envelope)
	Reset()
}

// Manager owns the websocket and the Session state machine
// (Idle → Connecting → Connected ⇄ Reconnecting → Disconnected). Retry is
// infinite: chat is assumed eventually reachable, so transport faults are
// never surfaced as errors.
type Manager struct {
	cfg   *config.Config
	log   zerolog.Logger
	store *rooms.Store
	state *localstate.Store
	queue *PendingQueue

	handler      RoomHandler
	connectHooks []func(connectionID string)

	mu             sync.Mutex
	status         Status
	connID         string
	conn           *websocket.Conn
	identity       auth.Identity
	token          string
	appState       AppState
	backgroundedAt time.Time
	runCancel      context.CancelFunc
	watchdogCancel context.CancelFunc

	writeMu sync.Mutex
	kick    chan struct{}
	events  chan any
	dialer  *websocket.Dialer
}

func NewManager(cfg *config.Config, log zerolog.Logger, store *rooms.Store, state *localstate.Store) *Manager {
	return &Manager{
		cfg:    cfg,
		log:    log.With().Str("component", "session").Logger(),
		store:  store,
		state:  state,
		queue:  NewPendingQueue(cfg.Queue.Capacity),
		status: Idle,
		kick:   make(chan struct{}, 1),
		events: make(chan any, 64),
		dialer: websocket.DefaultDialer,
	}
}

// SetHandler wires the room-channel binder. Must be called before Init.
func (m *Manager) SetHandler(h RoomHandler) {
	m.handler = h
}

// OnConnect registers fn to run after every successful connect handshake,
// with the fresh connection id.
func (m *Manager) OnConnect(fn func(connectionID string)) {
	m.connectHooks = append(m.connectHooks, fn)
}

// Events returns the consumer event channel. Events are dropped, not
// blocked on, when the consumer lags.
func (m *Manager) Events() <-chan any {
	return m.events
}

// Init opens the session for the given identity. If a session for a
// different identity exists it is fully torn down first: all timers
// cancelled, listener registrations cleared, pending queue cleared. If the
// same identity is already connected this is a no-op.
func (m *Manager) Init(userID, username, token string) error {
	if userID == "" {
		return ErrNoIdentity
	}

	m.mu.Lock()
	if m.identity.UserID == userID {
		if m.status == Connected {
			m.mu.Unlock()
			return nil
		}
		if m.runCancel != nil {
			// The run loop is already driving reconnects; just hurry it.
			m.mu.Unlock()
			m.Kick()
			return nil
		}
	} else if m.identity.UserID != "" {
		m.log.Info().
			Str("old_user", m.identity.UserID).
			Str("new_user", userID).
			Msg("identity switch, tearing down previous session")
		m.teardownLocked()
	}

	m.identity = auth.Identity{UserID: userID, Username: username}
	if token != "" {
		if id, err := auth.ParseIdentity(token); err == nil {
			m.identity.Role = id.Role
			m.identity.ExpiresAt = id.ExpiresAt
		}
	}
	m.token = token
	m.status = Connecting

	ctx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Teardown closes the session synchronously: every timer cancelled, queue
// and listener registrations cleared, socket released. Used on explicit
// logout and identity switches.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.teardownLocked()
	m.identity = auth.Identity{}
	m.token = ""
	m.status = Disconnected
	m.mu.Unlock()
	m.store.Reset()
}

func (m *Manager) teardownLocked() {
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
	if m.conn != nil {
		deadline := time.Now().Add(time.Second)
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown"), deadline)
		m.conn.Close()
		m.conn = nil
	}
	m.connID = ""
	m.queue.Clear()
	if m.handler != nil {
		m.handler.Reset()
	}
}

// Kick forces an immediate reconnect attempt, bypassing any backoff delay
// currently in progress.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetAppState reacts to foreground/background transitions. Backgrounding
// shortens the heartbeat period and starts the reconnect watchdog.
// Foregrounding after a long background interval re-authenticates and
// silently rejoins even if the transport still claims to be connected,
// because the OS can kill sockets without a disconnect event.
func (m *Manager) SetAppState(state AppState) {
	m.mu.Lock()
	prev := m.appState
	m.appState = state

	if state == Background && prev != Background {
		m.backgroundedAt = time.Now()
		m.startWatchdogLocked()
		m.mu.Unlock()
		return
	}

	var conn *websocket.Conn
	var connID string
	refresh := false
	if state == Foreground && prev == Background {
		if m.watchdogCancel != nil {
			m.watchdogCancel()
			m.watchdogCancel = nil
		}
		if time.Since(m.backgroundedAt) > m.cfg.Session.StaleBackgroundThreshold {
			conn, connID = m.conn, m.connID
			refresh = true
		}
	}
	m.mu.Unlock()

	if !refresh {
		return
	}
	if conn == nil {
		m.Kick()
		return
	}
	m.log.Info().Str("connection_id", connID).Msg("resumed from long background, refreshing likely-stale connection")
	if err := m.resume(conn, connID); err != nil {
		// The socket was indeed dead; closing it wakes the read loop and
		// the normal reconnect path takes over.
		conn.Close()
	}
}

// Send writes an envelope on the live connection, or queues it for the
// identity that composed it when the connection is down.
func (m *Manager) Send(ev protocol.Event, room string, payload any) error {
	m.mu.Lock()
	ident := m.identity
	conn := m.conn
	connected := m.status == Connected
	m.mu.Unlock()

	if ident.UserID == "" {
		return ErrNoIdentity
	}
	if !connected || conn == nil {
		m.queue.Enqueue(ident.UserID, ev, room, payload)
		return nil
	}
	if err := m.writeEnvelope(conn, ev, room, payload); err != nil {
		// Transport died under us; the post-reconnect flush delivers it.
		m.queue.Enqueue(ident.UserID, ev, room, payload)
	}
	return nil
}

// SendChat sends a chat message optimistically: the message appears in the
// room immediately, marked own and pending, before any network attempt.
// The server echo carrying the same client message id confirms it in place.
func (m *Manager) SendChat(roomID, body string) error {
	m.mu.Lock()
	ident := m.identity
	m.mu.Unlock()
	if ident.UserID == "" {
		return ErrNoIdentity
	}

	clientID := uuid.NewString()
	now := time.Now()
	m.store.AddMessage(roomID, rooms.Message{
		ID:             "local:" + clientID,
		ClientMsgID:    clientID,
		AuthorUsername: ident.Username,
		IsOwn:          true,
		Kind:           protocol.KindChat,
		Body:           body,
		Timestamp:      now,
		Pending:        true,
	})

	return m.Send(protocol.EvChatMessage, roomID, protocol.ChatPayload{
		ClientMsgID: clientID,
		RoomID:      roomID,
		UserID:      ident.UserID,
		Username:    ident.Username,
		Kind:        protocol.KindChat,
		Body:        body,
		Timestamp:   now,
	})
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ConnectionID returns the current connection's id. It changes on every
// successful (re)connect and doubles as the fencing token: work tagged
// with an older id is stale and must no-op.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// AppState returns the last lifecycle state reported via SetAppState.
func (m *Manager) AppState() AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appState
}

func (m *Manager) Identity() auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// PendingCount reports how many sends are queued for the next reconnect.
func (m *Manager) PendingCount() int {
	return m.queue.Len()
}

// run is the single connect/read cycle for one identity. Exactly one run
// loop exists per session, which serializes reconnection attempts by
// construction.
func (m *Manager) run(ctx context.Context) {
	backoff := m.cfg.Session.ReconnectBaseDelay
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := m.dialer.Dial(m.cfg.Server.URL, nil)
		if err != nil {
			attempt++
			m.setStatus(Reconnecting)
			m.emit(ReconnectingEvent{Attempt: attempt, Delay: backoff})
			m.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", backoff).Msg("dial failed")
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, m.cfg.Session.ReconnectMaxDelay)
			continue
		}
		backoff = m.cfg.Session.ReconnectBaseDelay
		attempt = 0

		connID := uuid.NewString()
		connCtx, connCancel := context.WithCancel(ctx)

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			connCancel()
			conn.Close()
			return
		}
		m.conn = conn
		m.connID = connID
		m.status = Connected
		m.mu.Unlock()

		m.log.Info().Str("connection_id", connID).Msg("connected")

		if err := m.resume(conn, connID); err != nil {
			m.log.Warn().Err(err).Msg("post-connect handshake failed")
			conn.Close()
		} else {
			m.emit(ConnectedEvent{ConnectionID: connID})
			for _, hook := range m.connectHooks {
				hook(connID)
			}
			if m.handler != nil {
				m.handler.Rearm(connID)
			}
		}

		go m.pingLoop(connCtx, conn)
		go m.heartbeatLoop(connCtx, conn, connID)

		readErr := m.readLoop(conn, connID)
		connCancel()

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.status = Reconnecting
		}
		done := ctx.Err() != nil
		m.mu.Unlock()
		if done {
			conn.Close()
			return
		}
		conn.Close()

		recoverable := isRecoverable(readErr)
		reason := "connection closed"
		if readErr != nil {
			reason = readErr.Error()
		}
		m.emit(DisconnectedEvent{Reason: reason, Recoverable: recoverable})
		m.log.Warn().Str("reason", reason).Bool("recoverable", recoverable).Msg("disconnected")

		delay := backoff
		if recoverable {
			delay = m.cfg.FaultDelay()
		} else {
			backoff = minDuration(backoff*2, m.cfg.Session.ReconnectMaxDelay)
		}
		if !m.sleep(ctx, delay) {
			return
		}
	}
}

// resume performs the post-connect sequence on conn: authentication
// handshake, silent rejoin of the last active room with the resume cursor,
// then the pending-queue flush for the current identity only.
func (m *Manager) resume(conn *websocket.Conn, connID string) error {
	m.mu.Lock()
	ident := m.identity
	token := m.token
	m.mu.Unlock()
	if ident.UserID == "" {
		return ErrNoIdentity
	}

	if err := m.writeEnvelope(conn, protocol.EvAuthLogin, "", protocol.AuthPayload{
		UserID:   ident.UserID,
		Username: ident.Username,
		Token:    token,
	}); err != nil {
		return err
	}

	roomID := m.store.ActiveRoomID()
	cursor := ""
	if st, err := m.state.Load(); err == nil {
		if roomID == "" {
			roomID = st.LastRoomID
		}
		cursor = st.LastMessageID
	}
	if last := m.store.LastMessageID(roomID); last != "" {
		cursor = last
	}
	if roomID != "" {
		if err := m.writeEnvelope(conn, protocol.EvSilentRejoin, roomID, protocol.RejoinPayload{
			RoomID:        roomID,
			LastMessageID: cursor,
		}); err != nil {
			return err
		}
	}

	flushed := m.queue.Flush(ident.UserID, func(e QueueEntry) error {
		return m.writeEnvelope(conn, e.Event, e.Room, e.Payload)
	})
	if flushed > 0 {
		m.log.Info().Int("count", flushed).Str("connection_id", connID).Msg("flushed pending sends")
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn, connID string) error {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if m.ConnectionID() != connID {
			// A newer connection exists; this loop's traffic is stale.
			return errStale
		}
		if m.handler != nil {
			m.handler.Dispatch(&env)
		}
	}
}

// pingLoop sends transport-level pings on conn. It exits when the
// connection context is cancelled or the connection is superseded.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.conn
			m.mu.Unlock()
			if current != conn {
				return
			}
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// heartbeatLoop sends protocol-level heartbeats. The period is shorter
// while backgrounded: the OS is far more likely to silently kill the
// socket there.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.heartbeatPeriod()):
		}
		if m.ConnectionID() != connID {
			return
		}
		if err := m.writeEnvelope(conn, protocol.EvHeartbeat, "", protocol.HeartbeatPayload{At: time.Now()}); err != nil {
			return
		}
	}
}

func (m *Manager) heartbeatPeriod() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appState == Background {
		return m.cfg.Session.HeartbeatBackground
	}
	return m.cfg.Session.HeartbeatForeground
}

// startWatchdogLocked runs the background reconnect watchdog: while the
// app is backgrounded it periodically forces a reconnect attempt
// regardless of backoff state, because background process scheduling can
// silently stall ordinary timers.
func (m *Manager) startWatchdogLocked() {
	if m.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	interval := m.cfg.Session.WatchdogInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.Status() != Connected {
					m.log.Debug().Msg("background watchdog forcing reconnect attempt")
					m.Kick()
				}
			}
		}
	}()
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, ev protocol.Event, room string, payload any) error {
	env, err := protocol.NewEnvelope(ev, room, payload)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(env)
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// emit delivers ev to the consumer channel, dropping it if the consumer
// can't keep up.
func (m *Manager) emit(ev any) {
	select {
	case m.events <- ev:
	default:
	}
}

// sleep waits for d, an explicit kick, or cancellation. Returns false when
// the session is done.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	case <-m.kick:
		return true
	}
}

// isRecoverable classifies a disconnect reason. Recoverable transport
// faults reconnect after the short fixed fault delay; everything else
// falls back to exponential backoff.
func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseServiceRestart,
			websocket.CloseTryAgainLater:
			return true
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
