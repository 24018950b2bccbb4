package session

import (
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/protocol"
)

// QueueEntry is one outbound frame held while the connection is down.
// OwnerUserID pins the entry to the identity that composed it; an entry is
// never delivered under any other identity.
type QueueEntry struct {
	Event       protocol.Event
	Room        string
	Payload     any
	OwnerUserID string
	EnqueuedAt  time.Time
}

// PendingQueue is a bounded FIFO buffer for sends attempted while
// disconnected. Past capacity the oldest entries are dropped.
type PendingQueue struct {
	mu       sync.Mutex
	capacity int
	entries  []QueueEntry
}

func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &PendingQueue{capacity: capacity}
}

// Enqueue adds an entry tagged with ownerUserID. It reports false, refusing
// the entry, when there is no identity to tag it with.
func (q *PendingQueue) Enqueue(ownerUserID string, ev protocol.Event, room string, payload any) bool {
	if ownerUserID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		drop := len(q.entries) - q.capacity + 1
		q.entries = append([]QueueEntry(nil), q.entries[drop:]...)
	}
	q.entries = append(q.entries, QueueEntry{
		Event:       ev,
		Room:        room,
		Payload:     payload,
		OwnerUserID: ownerUserID,
		EnqueuedAt:  time.Now(),
	})
	return true
}

// Flush emits queued entries in FIFO order and clears the queue. Entries
// whose owner does not match currentUserID are discarded, never delivered:
// a message composed under account A must not reach the network after a
// fast logout/login into account B. If emit fails the remaining entries
// are kept for the next flush.
func (q *PendingQueue) Flush(currentUserID string, emit func(QueueEntry) error) int {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	delivered := 0
	for i, e := range entries {
		if e.OwnerUserID != currentUserID {
			continue
		}
		if err := emit(e); err != nil {
			q.mu.Lock()
			q.entries = append(append([]QueueEntry(nil), entries[i:]...), q.entries...)
			q.mu.Unlock()
			return delivered
		}
		delivered++
	}
	return delivered
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *PendingQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
