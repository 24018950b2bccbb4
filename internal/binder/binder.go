// Package binder maps inbound protocol events onto room tab state, exactly
// once per (connection, room) pair. It is the counterpart to the session
// manager: the manager owns the transport, the binder owns what the frames
// mean.
package binder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/rooms"
	"github.com/parley-chat/parley/internal/session"
)

// Sender is the slice of the session manager the binder needs.
type Sender interface {
	Send(ev protocol.Event, room string, payload any) error
	Identity() auth.Identity
	AppState() session.AppState
}

// PresenceSource supplies the local invisibility preference for join
// requests and absorbs remote status changes.
type PresenceSource interface {
	Invisible() bool
	Apply(p protocol.PresencePayload)
}

// Callbacks are UI hooks for events that are not messages. All fields are
// optional. Notify fires for a chat message landing in a non-active room
// while the app is backgrounded, for the push-notification layer.
type Callbacks struct {
	OnRoomUsers     func(roomID string, users []protocol.RoomUser)
	OnUserJoined    func(roomID, username string)
	OnUserLeft      func(roomID, username string)
	OnModerators    func(roomID string, moderators []string)
	OnForceLeave    func(roomID, reason string)
	OnCreditBalance func(balance int64)
	OnNotification  func(title, body string)
	Notify          func(roomID string, msg rooms.Message)
}

type dupKey struct {
	author string
	body   string
}

// Binder routes inbound envelopes to the tab store, the presence
// controller, and the UI callbacks, and emits join requests for rooms that
// need them.
type Binder struct {
	log       zerolog.Logger
	store     *rooms.Store
	state     *localstate.Store
	sender    Sender
	pres      PresenceSource
	cb        Callbacks
	dupWindow time.Duration

	// now is swapped in tests to drive the duplicate window.
	now func() time.Time

	mu       sync.Mutex
	connID   string
	regs     map[string]struct{}
	lastSeen map[dupKey]time.Time
}

func New(cfg *config.Config, log zerolog.Logger, store *rooms.Store, state *localstate.Store, sender Sender, pres PresenceSource, cb Callbacks) *Binder {
	return &Binder{
		log:       log.With().Str("component", "binder").Logger(),
		store:     store,
		state:     state,
		sender:    sender,
		pres:      pres,
		cb:        cb,
		dupWindow: cfg.Rooms.DuplicateWindow,
		now:       time.Now,
		regs:      make(map[string]struct{}),
		lastSeen:  make(map[dupKey]time.Time),
	}
}

// Bind registers roomID against the current connection. An existing
// registration is detached and reattached rather than trusted; app-resume
// races have produced silently dead handlers before. A room not yet marked
// joined gets a join request carrying the invisibility preference and role
// so entry announcements can be suppressed for invisible users.
func (b *Binder) Bind(roomID string) {
	if roomID == "" {
		return
	}
	b.mu.Lock()
	delete(b.regs, roomID)
	b.regs[roomID] = struct{}{}
	b.mu.Unlock()

	if tab, ok := b.store.Tab(roomID); ok && tab.Joined {
		return
	}
	b.emitJoin(roomID)
}

// Unbind drops the registration and tells the server we left. Called when
// the room tab is closed.
func (b *Binder) Unbind(roomID string) {
	b.mu.Lock()
	_, registered := b.regs[roomID]
	delete(b.regs, roomID)
	b.mu.Unlock()
	if !registered {
		return
	}
	if err := b.sender.Send(protocol.EvLeaveRoom, roomID, protocol.JoinPayload{RoomID: roomID}); err != nil {
		b.log.Debug().Err(err).Str("room", roomID).Msg("leave request not sent")
	}
}

// Rearm rebuilds all registrations for a fresh connection. Every prior
// registration is invalid the moment the connection id changes. Rooms
// already marked joined re-enter silently with their resume cursor; the
// rest get an ordinary join request. The active room is registered but
// emits nothing: the session's connect handshake has already rejoined it.
func (b *Binder) Rearm(connectionID string) {
	b.mu.Lock()
	b.connID = connectionID
	b.regs = make(map[string]struct{})
	b.mu.Unlock()

	active := b.store.ActiveRoomID()
	for _, roomID := range b.store.OpenRoomIDs() {
		b.mu.Lock()
		b.regs[roomID] = struct{}{}
		b.mu.Unlock()

		if roomID == active {
			continue
		}

		tab, ok := b.store.Tab(roomID)
		if ok && tab.Joined {
			err := b.sender.Send(protocol.EvSilentRejoin, roomID, protocol.RejoinPayload{
				RoomID:        roomID,
				LastMessageID: b.store.LastMessageID(roomID),
			})
			if err != nil {
				b.log.Warn().Err(err).Str("room", roomID).Msg("silent rejoin not sent")
			}
			continue
		}
		b.emitJoin(roomID)
	}
}

// Reset drops every registration without touching the store. Used on
// teardown and identity switches.
func (b *Binder) Reset() {
	b.mu.Lock()
	b.connID = ""
	b.regs = make(map[string]struct{})
	b.lastSeen = make(map[dupKey]time.Time)
	b.mu.Unlock()
}

// Dispatch routes one inbound envelope. Malformed payloads are logged and
// dropped.
func (b *Binder) Dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EvChatMessage, protocol.EvSystemMessage:
		var p protocol.ChatPayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Str("event", string(env.Event)).Msg("dropping malformed payload")
			return
		}
		roomID := env.Room
		if roomID == "" {
			roomID = p.RoomID
		}
		if env.Event == protocol.EvSystemMessage && p.Kind == "" {
			p.Kind = protocol.KindSystem
		}
		b.deliver(roomID, p)

	case protocol.EvRoomJoined:
		var p protocol.RoomJoinedPayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed room:joined")
			return
		}
		roomID := env.Room
		if roomID == "" {
			roomID = p.RoomID
		}
		b.store.SetJoined(roomID, true)
		if p.Name != "" {
			b.store.UpdateRoomMetadata(roomID, rooms.Metadata{Name: &p.Name})
		}
		// Backlog rides the same per-id dedup path as live traffic, so
		// however many times the server resends a window the result is
		// the same.
		for _, msg := range p.Backlog {
			b.deliver(roomID, msg)
		}

	case protocol.EvRoomUsers:
		var p protocol.RoomUsersPayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed roster")
			return
		}
		if b.cb.OnRoomUsers != nil {
			b.cb.OnRoomUsers(roomOf(env.Room, p.RoomID), p.Users)
		}

	case protocol.EvUserJoined, protocol.EvUserLeft:
		var p protocol.UserEventPayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed user event")
			return
		}
		roomID := roomOf(env.Room, p.RoomID)
		if env.Event == protocol.EvUserJoined {
			if b.cb.OnUserJoined != nil {
				b.cb.OnUserJoined(roomID, p.Username)
			}
		} else if b.cb.OnUserLeft != nil {
			b.cb.OnUserLeft(roomID, p.Username)
		}

	case protocol.EvForceLeave:
		var p protocol.ForceLeavePayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed force-leave")
			return
		}
		b.handleForceLeave(roomOf(env.Room, p.RoomID), p.Reason)

	case protocol.EvModerators:
		var p protocol.ModeratorsPayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed moderator list")
			return
		}
		if b.cb.OnModerators != nil {
			b.cb.OnModerators(roomOf(env.Room, p.RoomID), p.Moderators)
		}

	case protocol.EvPresenceChanged:
		var p protocol.PresencePayload
		if err := env.Decode(&p); err != nil {
			b.log.Debug().Err(err).Msg("dropping malformed presence change")
			return
		}
		b.pres.Apply(p)

	case protocol.EvCreditBalance:
		var p protocol.CreditBalancePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if b.cb.OnCreditBalance != nil {
			b.cb.OnCreditBalance(p.Balance)
		}

	case protocol.EvNotification:
		var p protocol.NotificationPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if b.cb.OnNotification != nil {
			b.cb.OnNotification(p.Title, p.Body)
		}

	default:
		b.log.Debug().Str("event", string(env.Event)).Msg("unhandled event")
	}
}

// deliver pushes one chat-stream message into the store, applying the
// short duplicate window for message classes the server is known to
// double-send.
func (b *Binder) deliver(roomID string, p protocol.ChatPayload) {
	if roomID == "" {
		return
	}
	kind := p.Kind
	if kind == "" {
		kind = protocol.KindChat
	}

	if b.duplicate(kind, p) {
		b.log.Debug().Str("room", roomID).Str("author", p.Username).Msg("suppressing duplicate line")
		return
	}

	ident := b.sender.Identity()
	own := false
	if p.UserID != "" {
		own = p.UserID == ident.UserID
	} else {
		own = p.Username != "" && p.Username == ident.Username
	}

	msg := rooms.Message{
		ID:             p.ID,
		ClientMsgID:    p.ClientMsgID,
		AuthorUsername: p.Username,
		IsOwn:          own,
		Kind:           kind,
		Body:           p.Body,
		Timestamp:      p.Timestamp,
	}
	if !b.store.AddMessage(roomID, msg) {
		return
	}

	active := b.store.ActiveRoomID()
	if roomID == active && p.ID != "" {
		if err := b.state.SetCursor(roomID, p.ID); err != nil {
			b.log.Debug().Err(err).Msg("saving resume cursor")
		}
	}
	if b.cb.Notify != nil && !own && kind == protocol.KindChat &&
		roomID != active && b.sender.AppState() == session.Background {
		b.cb.Notify(roomID, msg)
	}
}

// duplicate applies the (author, body) suppression window to automated and
// presence-injected lines. Ordinary user chat is exempt; the store's
// permanent per-id dedup covers it.
func (b *Binder) duplicate(kind protocol.MessageKind, p protocol.ChatPayload) bool {
	automated := p.Bot
	switch kind {
	case protocol.KindSystem, protocol.KindNotice, protocol.KindPresence:
		automated = true
	}
	if !automated {
		return false
	}

	key := dupKey{author: p.Username, body: p.Body}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastSeen[key]; ok && now.Sub(last) < b.dupWindow {
		return true
	}
	if len(b.lastSeen) > 256 {
		for k, t := range b.lastSeen {
			if now.Sub(t) >= b.dupWindow {
				delete(b.lastSeen, k)
			}
		}
	}
	b.lastSeen[key] = now
	return false
}

// handleForceLeave marks the room left and drops its registration. The
// room is never rejoined automatically; a synthesized system line tells
// the user what happened.
func (b *Binder) handleForceLeave(roomID, reason string) {
	if roomID == "" {
		return
	}
	b.mu.Lock()
	delete(b.regs, roomID)
	b.mu.Unlock()

	b.store.SetJoined(roomID, false)

	body := "You have been removed from this room."
	if reason != "" {
		body = "You have been removed from this room: " + reason
	}
	b.store.AddMessage(roomID, rooms.Message{
		ID:        "local:force-leave:" + roomID + ":" + b.now().Format(time.RFC3339Nano),
		Kind:      protocol.KindSystem,
		Body:      body,
		Timestamp: b.now(),
	})
	b.log.Info().Str("room", roomID).Str("reason", reason).Msg("forced out of room")

	if b.cb.OnForceLeave != nil {
		b.cb.OnForceLeave(roomID, reason)
	}
}

func (b *Binder) emitJoin(roomID string) {
	ident := b.sender.Identity()
	err := b.sender.Send(protocol.EvJoinRoom, roomID, protocol.JoinPayload{
		RoomID:    roomID,
		Invisible: b.pres.Invisible(),
		Role:      ident.Role,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("room", roomID).Msg("join request not sent")
	}
}

func roomOf(envRoom, payloadRoom string) string {
	if envRoom != "" {
		return envRoom
	}
	return payloadRoom
}
