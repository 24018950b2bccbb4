package session

import "time"

// Status is the connection lifecycle state.
type Status int

const (
	Idle Status = iota
	Connecting
	Connected
	Reconnecting
	Disconnected
)

var statusNames = map[Status]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Disconnected: "disconnected",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// AppState mirrors the mobile OS lifecycle the client reacts to.
type AppState int

const (
	Foreground AppState = iota
	Background
)

// --- Consumer events ---
// Delivered on Manager.Events(). Transport faults are informational here,
// never errors: the manager retries forever on its own.

// ConnectedEvent is emitted after a successful connect and handshake.
type ConnectedEvent struct{ ConnectionID string }

// DisconnectedEvent is emitted when the transport drops.
type DisconnectedEvent struct {
	Reason      string
	Recoverable bool
}

// ReconnectingEvent is emitted before each reconnect delay.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}
