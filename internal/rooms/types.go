package rooms

import (
	"time"

	"github.com/parley-chat/parley/internal/protocol"
)

// Kind distinguishes group rooms from private 1:1 conversations.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// Message is one immutable entry in a room's message list. Pending marks an
// optimistic local send that the server has not yet echoed back.
type Message struct {
	ID             string
	ClientMsgID    string
	AuthorUsername string
	IsOwn          bool
	Kind           protocol.MessageKind
	Body           string
	Timestamp      time.Time
	Pending        bool
}

// RoomTab is one open conversation, independent of whether the underlying
// room channel is currently joined.
type RoomTab struct {
	RoomID          string
	DisplayName     string
	Kind            Kind
	BackgroundImage string
	Messages        []Message
	UnreadCount     int
	LastReadAt      time.Time
	Joined          bool
}

// Clone returns a deep copy so snapshots can be mutated independently of
// the store.
func (t *RoomTab) Clone() *RoomTab {
	c := *t
	if len(t.Messages) > 0 {
		c.Messages = make([]Message, len(t.Messages))
		copy(c.Messages, t.Messages)
	}
	return &c
}

// Metadata is a partial room-metadata update; nil fields are left alone.
type Metadata struct {
	Name            *string
	BackgroundImage *string
}

// Snapshot is a complete, self-consistent view of the tab state.
type Snapshot struct {
	Tabs         []*RoomTab
	ActiveRoomID string
}

// Active returns the active tab of the snapshot, or nil.
func (s Snapshot) Active() *RoomTab {
	for _, t := range s.Tabs {
		if t.RoomID == s.ActiveRoomID {
			return t
		}
	}
	return nil
}
