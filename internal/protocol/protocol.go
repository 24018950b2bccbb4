// Package protocol defines the wire protocol spoken over the persistent
// chat connection. Types mirror the server contract without importing any
// server code.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event identifies the kind of frame in either direction.
type Event string

const (
	// Client -> server.
	EvAuthLogin    Event = "auth:login"
	EvJoinRoom     Event = "join_room"
	EvLeaveRoom    Event = "leave_room"
	EvSilentRejoin Event = "room:silent_rejoin"
	EvHeartbeat    Event = "room:heartbeat"

	// Both directions.
	EvChatMessage    Event = "chat:message"
	EvPresenceUpdate Event = "presence:update"

	// Server -> client.
	EvSystemMessage   Event = "system:message"
	EvRoomJoined      Event = "room:joined"
	EvRoomUsers       Event = "room:users"
	EvUserJoined      Event = "room:user:joined"
	EvUserLeft        Event = "room:user:left"
	EvForceLeave      Event = "room:force-leave"
	EvModerators      Event = "room:moderators:update"
	EvPresenceChanged Event = "presence:changed"
	EvCreditBalance   Event = "credit:balance"
	EvNotification    Event = "notify:generic"
)

// Envelope is the frame wrapper for every message on the wire.
type Envelope struct {
	Event   Event           `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(event Event, room string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into v. Callers drop the frame on error
// rather than propagating it; malformed payloads must never crash state.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return nil
}

// MessageKind classifies entries in a room's message stream.
type MessageKind string

const (
	KindChat     MessageKind = "chat"
	KindSystem   MessageKind = "system"
	KindNotice   MessageKind = "notice"
	KindCommand  MessageKind = "command"
	KindPresence MessageKind = "presence"
)

// AuthPayload is the authentication handshake sent right after connect.
type AuthPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// JoinPayload requests room entry. Invisible suppresses the server-side
// "user entered" side effects for users whose presence is invisible.
type JoinPayload struct {
	RoomID    string `json:"roomId"`
	Invisible bool   `json:"invisible,omitempty"`
	Role      string `json:"role,omitempty"`
}

// RejoinPayload re-enters a room after a reconnect without announcing the
// user. LastMessageID is the resume cursor: the server replays only the gap.
type RejoinPayload struct {
	RoomID        string `json:"roomId"`
	LastMessageID string `json:"lastMessageId,omitempty"`
}

// ChatPayload carries a single chat-stream message. On client sends ID is
// empty and ClientMsgID correlates the server echo with the optimistic
// local entry.
type ChatPayload struct {
	ID          string      `json:"id,omitempty"`
	ClientMsgID string      `json:"clientMsgId,omitempty"`
	RoomID      string      `json:"roomId"`
	UserID      string      `json:"userId,omitempty"`
	Username    string      `json:"username"`
	Kind        MessageKind `json:"kind"`
	Body        string      `json:"body"`
	Timestamp   time.Time   `json:"timestamp"`
	Bot         bool        `json:"bot,omitempty"`
}

// RoomJoinedPayload confirms room entry. Backlog holds the replayed gap
// (or initial history window) in original order.
type RoomJoinedPayload struct {
	RoomID  string        `json:"roomId"`
	Name    string        `json:"name,omitempty"`
	Backlog []ChatPayload `json:"backlog,omitempty"`
}

// RoomUser is one roster entry.
type RoomUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	Status   string `json:"status,omitempty"`
}

// RoomUsersPayload is the full roster of a room.
type RoomUsersPayload struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// UserEventPayload announces a single user entering or leaving a room.
type UserEventPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
}

// ForceLeavePayload evicts the client from a room.
type ForceLeavePayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// ModeratorsPayload is the current moderator list of a room.
type ModeratorsPayload struct {
	RoomID     string   `json:"roomId"`
	Moderators []string `json:"moderators"`
}

// PresencePayload carries a presence status, outbound on presence:update
// and inbound on presence:changed.
type PresencePayload struct {
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload keeps the session alive server-side.
type HeartbeatPayload struct {
	At time.Time `json:"at"`
}

// CreditBalancePayload is a domain notification with the user's balance.
type CreditBalancePayload struct {
	Balance int64 `json:"balance"`
}

// NotificationPayload is a generic domain notification.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PrivateRoomID derives the conversation id for a 1:1 chat from the two
// participant ids. The result is order-insensitive so reopening the same
// conversation never produces a second tab.
func PrivateRoomID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "pm:" + userA + ":" + userB
}
