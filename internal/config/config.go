// Package config loads client configuration from YAML with sensible
// defaults for every field, so a missing or partial file still yields a
// working client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Platform names. Background network teardown is most aggressive on iOS,
// so reconnect timing is tuned per platform.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
	PlatformOther   = "other"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Platform string         `yaml:"platform"`
	Session  SessionConfig  `yaml:"session"`
	Presence PresenceConfig `yaml:"presence"`
	Rooms    RoomsConfig    `yaml:"rooms"`
	Queue    QueueConfig    `yaml:"queue"`
	State    StateConfig    `yaml:"state"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	URL string `yaml:"url"`
}

type SessionConfig struct {
	// FaultReconnectDelay is the fixed delay used after a recoverable
	// transport fault. Other disconnect reasons use exponential backoff
	// between ReconnectBaseDelay and ReconnectMaxDelay.
	FaultReconnectDelay time.Duration `yaml:"fault_reconnect_delay"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`

	HeartbeatForeground time.Duration `yaml:"heartbeat_foreground"`
	HeartbeatBackground time.Duration `yaml:"heartbeat_background"`

	// WatchdogInterval is how often a backgrounded client forces a
	// reconnect attempt when the transport is down, independent of any
	// backoff state (background schedulers can stall ordinary timers).
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// StaleBackgroundThreshold: a foreground transition after more than
	// this much background time re-authenticates and silently rejoins
	// even if the transport still claims to be connected.
	StaleBackgroundThreshold time.Duration `yaml:"stale_background_threshold"`
}

type PresenceConfig struct {
	KeepAlive time.Duration `yaml:"keep_alive"`
}

type RoomsConfig struct {
	// MessageCap bounds each room's in-memory message list; oldest entries
	// are pruned past it. 0 disables pruning.
	MessageCap int `yaml:"message_cap"`
	// DuplicateWindow suppresses repeated bot/system lines with the same
	// author and body arriving within the window.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type StateConfig struct {
	// Dir overrides the local state directory. Empty uses the XDG default.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func defaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{URL: "wss://chat.parley.app/ws"},
		Platform: PlatformOther,
		Session: SessionConfig{
			FaultReconnectDelay:      2 * time.Second,
			ReconnectBaseDelay:       time.Second,
			ReconnectMaxDelay:        30 * time.Second,
			HeartbeatForeground:      30 * time.Second,
			HeartbeatBackground:      15 * time.Second,
			WatchdogInterval:         30 * time.Second,
			StaleBackgroundThreshold: 60 * time.Second,
		},
		Presence: PresenceConfig{KeepAlive: 90 * time.Second},
		Rooms: RoomsConfig{
			MessageCap:      500,
			DuplicateWindow: 3 * time.Second,
		},
		Queue: QueueConfig{Capacity: 64},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads the config file at path, overlaying it on defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file returns the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// FaultDelay returns the recoverable-fault reconnect delay for the
// configured platform. iOS tears sockets down more aggressively in the
// background, so it reconnects twice as fast.
func (c *Config) FaultDelay() time.Duration {
	if c.Platform == PlatformIOS {
		return c.Session.FaultReconnectDelay / 2
	}
	return c.Session.FaultReconnectDelay
}
