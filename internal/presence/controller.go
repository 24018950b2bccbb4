// Package presence owns local and remote presence state. The local status
// is manual only: it is chosen by the user, persisted across restarts, and
// never demoted automatically on backgrounding.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/localstate"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/session"
)

// Status is a presence state as shown to other users.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

var ErrInvalidStatus = errors.New("invalid presence status")

// Record is one user's presence as last reported by the server.
type Record struct {
	Username    string
	Status      Status
	LastUpdated time.Time
}

// Sender is the slice of the session manager the controller needs.
type Sender interface {
	Send(ev protocol.Event, room string, payload any) error
	Status() session.Status
	Identity() auth.Identity
}

// Controller broadcasts the local status and tracks remote records. The
// server expires presence entries on a TTL shorter than a heartbeat cycle
// would refresh, so the controller runs its own keep-alive timer that
// re-emits the current status periodically.
type Controller struct {
	log       zerolog.Logger
	sender    Sender
	state     *localstate.Store
	keepAlive time.Duration

	mu       sync.Mutex
	local    Status
	records  map[string]Record
	loopStop context.CancelFunc
}

// NewController loads the persisted status (defaulting to online) and
// returns a controller ready to be wired to the session's connect hook.
func NewController(cfg *config.Config, log zerolog.Logger, sender Sender, state *localstate.Store) *Controller {
	c := &Controller{
		log:       log.With().Str("component", "presence").Logger(),
		sender:    sender,
		state:     state,
		keepAlive: cfg.Presence.KeepAlive,
		local:     StatusOnline,
		records:   make(map[string]Record),
	}
	if st, err := state.Load(); err == nil {
		if s := Status(st.PresenceStatus); s.Valid() {
			c.local = s
		}
	}
	return c
}

// Local returns the local user's current status.
func (c *Controller) Local() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Invisible reports whether the local user should be hidden from room
// entry announcements.
func (c *Controller) Invisible() bool {
	return c.Local() == StatusInvisible
}

// SetStatus changes the local status, persists it for the next launch, and
// broadcasts it immediately when connected. While disconnected nothing is
// emitted; the next connect re-announces whatever is current then.
func (c *Controller) SetStatus(s Status) error {
	if !s.Valid() {
		return ErrInvalidStatus
	}
	c.mu.Lock()
	c.local = s
	c.mu.Unlock()

	if err := c.state.SetPresence(string(s)); err != nil {
		c.log.Warn().Err(err).Msg("persisting presence status")
	}
	if c.sender.Status() == session.Connected {
		return c.emit()
	}
	return nil
}

// HandleConnected re-announces the local status on a fresh connection and
// restarts the keep-alive loop for it. Wire it via Manager.OnConnect.
func (c *Controller) HandleConnected(connectionID string) {
	if err := c.emit(); err != nil {
		c.log.Warn().Err(err).Str("connection_id", connectionID).Msg("announcing presence")
	}

	c.mu.Lock()
	if c.loopStop != nil {
		c.loopStop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.loopStop = cancel
	c.mu.Unlock()

	go c.keepAliveLoop(ctx)
}

// Stop halts the keep-alive loop. Remote records are kept.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.loopStop != nil {
		c.loopStop()
		c.loopStop = nil
	}
	c.mu.Unlock()
}

// Apply records a remote user's status change.
func (c *Controller) Apply(p protocol.PresencePayload) {
	if p.Username == "" {
		return
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	c.records[p.Username] = Record{
		Username:    p.Username,
		Status:      Status(p.Status),
		LastUpdated: ts,
	}
	c.mu.Unlock()
}

// Record returns the last known presence of username.
func (c *Controller) Record(username string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[username]
	return r, ok
}

// Records returns all known remote records sorted by username.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (c *Controller) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sender.Status() != session.Connected {
				continue
			}
			if err := c.emit(); err != nil {
				c.log.Debug().Err(err).Msg("presence keep-alive")
			}
		}
	}
}

func (c *Controller) emit() error {
	return c.sender.Send(protocol.EvPresenceUpdate, "", protocol.PresencePayload{
		Username:  c.sender.Identity().Username,
		Status:    string(c.Local()),
		Timestamp: time.Now(),
	})
}
