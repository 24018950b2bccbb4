// Package rooms holds the multi-room tab state: open tabs, the active tab,
// per-room message lists, and unread counts. Every mutation happens under
// one lock and subscribers only ever see complete deep-copied snapshots, so
// no consumer can observe a torn update.
package rooms

import (
	"sync"
	"time"
)

// roomState pairs a tab with its permanent message-id dedup set. The set
// outlives pruning so a replayed window can never resurrect a pruned
// message.
type roomState struct {
	tab  RoomTab
	seen map[string]struct{}
}

type Store struct {
	mu         sync.RWMutex
	rooms      []*roomState // tab order
	active     string
	messageCap int
	subs       []func(Snapshot)
}

// NewStore creates a Store. messageCap bounds each room's message list;
// 0 disables pruning.
func NewStore(messageCap int) *Store {
	return &Store{messageCap: messageCap}
}

// Subscribe registers fn to receive a snapshot after every mutation.
// Callbacks run outside the store lock.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// OpenRoom activates the tab for roomID, creating it if needed. Reopening
// an existing room never creates a duplicate tab.
func (s *Store) OpenRoom(roomID, name string, kind Kind) {
	s.mu.Lock()
	if st := s.findLocked(roomID); st != nil {
		s.activateLocked(st)
	} else {
		s.rooms = append(s.rooms, &roomState{
			tab: RoomTab{
				RoomID:      roomID,
				DisplayName: name,
				Kind:        kind,
			},
			seen: make(map[string]struct{}),
		})
		s.activateLocked(s.rooms[len(s.rooms)-1])
	}
	s.notify(s.mu.Unlock)
}

// CloseRoom removes the tab. If it was active, the tab now occupying its
// former index becomes active (clamped); closing the last tab leaves no
// active tab.
func (s *Store) CloseRoom(roomID string) {
	s.mu.Lock()
	idx := -1
	for i, st := range s.rooms {
		if st.tab.RoomID == roomID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}

	wasActive := s.active == roomID
	s.rooms = append(s.rooms[:idx], s.rooms[idx+1:]...)

	if wasActive {
		if len(s.rooms) == 0 {
			s.active = ""
		} else {
			if idx >= len(s.rooms) {
				idx = len(s.rooms) - 1
			}
			s.activateLocked(s.rooms[idx])
		}
	}
	s.notify(s.mu.Unlock)
}

// SetActive marks roomID active, clearing its unread count.
func (s *Store) SetActive(roomID string) {
	s.mu.Lock()
	st := s.findLocked(roomID)
	if st == nil {
		s.mu.Unlock()
		return
	}
	s.activateLocked(st)
	s.notify(s.mu.Unlock)
}

// AddMessage appends msg to the room's list. It reports false without
// mutating anything when the room is unknown or the message id was already
// seen. A message whose ClientMsgID matches a pending optimistic entry
// confirms that entry in place instead of appending a visible duplicate.
// Unread is incremented only for messages that are neither self-authored
// nor destined for the active room.
func (s *Store) AddMessage(roomID string, msg Message) bool {
	s.mu.Lock()
	st := s.findLocked(roomID)
	if st == nil {
		s.mu.Unlock()
		return false
	}
	if msg.ID != "" {
		if _, dup := st.seen[msg.ID]; dup {
			s.mu.Unlock()
			return false
		}
	}

	if msg.ClientMsgID != "" {
		if i := pendingIndex(st.tab.Messages, msg.ClientMsgID); i >= 0 {
			// Server echo of an optimistic send: confirm in place.
			local := st.tab.Messages[i]
			local.ID = msg.ID
			local.Timestamp = msg.Timestamp
			local.Pending = false
			st.tab.Messages[i] = local
			if msg.ID != "" {
				st.seen[msg.ID] = struct{}{}
			}
			s.notify(s.mu.Unlock)
			return true
		}
	}

	if msg.ID != "" {
		st.seen[msg.ID] = struct{}{}
	}
	st.tab.Messages = append(st.tab.Messages, msg)
	if s.messageCap > 0 && len(st.tab.Messages) > s.messageCap {
		excess := len(st.tab.Messages) - s.messageCap
		st.tab.Messages = append([]Message(nil), st.tab.Messages[excess:]...)
	}
	if roomID != s.active && !msg.IsOwn {
		st.tab.UnreadCount++
	}
	s.notify(s.mu.Unlock)
	return true
}

// UpdateRoomMetadata shallow-merges meta into the tab without touching
// messages.
func (s *Store) UpdateRoomMetadata(roomID string, meta Metadata) {
	s.mu.Lock()
	st := s.findLocked(roomID)
	if st == nil {
		s.mu.Unlock()
		return
	}
	if meta.Name != nil {
		st.tab.DisplayName = *meta.Name
	}
	if meta.BackgroundImage != nil {
		st.tab.BackgroundImage = *meta.BackgroundImage
	}
	s.notify(s.mu.Unlock)
}

// SetJoined records whether the room channel is currently joined.
func (s *Store) SetJoined(roomID string, joined bool) {
	s.mu.Lock()
	st := s.findLocked(roomID)
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.tab.Joined = joined
	s.notify(s.mu.Unlock)
}

// Tab returns a deep copy of the tab for roomID.
func (s *Store) Tab(roomID string) (*RoomTab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.findLocked(roomID)
	if st == nil {
		return nil, false
	}
	return st.tab.Clone(), true
}

// ActiveRoomID returns the active room id, or "" if no tab is open.
func (s *Store) ActiveRoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// OpenRoomIDs returns every open room id in tab order.
func (s *Store) OpenRoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.rooms))
	for i, st := range s.rooms {
		ids[i] = st.tab.RoomID
	}
	return ids
}

// LastMessageID returns the id of the newest message in the room, used as
// the resume cursor for silent rejoins.
func (s *Store) LastMessageID(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.findLocked(roomID)
	if st == nil || len(st.tab.Messages) == 0 {
		return ""
	}
	return st.tab.Messages[len(st.tab.Messages)-1].ID
}

// Snapshot returns a deep copy of the whole tab state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Reset drops all tabs, for identity switches.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = nil
	s.active = ""
	s.notify(s.mu.Unlock)
}

func (s *Store) findLocked(roomID string) *roomState {
	for _, st := range s.rooms {
		if st.tab.RoomID == roomID {
			return st
		}
	}
	return nil
}

func (s *Store) activateLocked(st *roomState) {
	s.active = st.tab.RoomID
	st.tab.UnreadCount = 0
	st.tab.LastReadAt = time.Now()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{ActiveRoomID: s.active}
	snap.Tabs = make([]*RoomTab, len(s.rooms))
	for i, st := range s.rooms {
		snap.Tabs[i] = st.tab.Clone()
	}
	return snap
}

// notify builds a snapshot, releases the lock via unlock, then invokes the
// subscribers with the snapshot.
func (s *Store) notify(unlock func()) {
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), len(s.subs))
	copy(subs, s.subs)
	unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func pendingIndex(msgs []Message, clientMsgID string) int {
	// Pending entries are recent, so scan from the tail.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Pending && msgs[i].ClientMsgID == clientMsgID {
			return i
		}
	}
	return -1
}
