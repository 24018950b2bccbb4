// Package localstate persists the small pieces of client state that must
// survive a process restart: the resume cursor (last active room and last
// seen message id) and the last manually chosen presence status. The
// pending send queue is deliberately memory-only.
package localstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// stateVersion is bumped when the schema changes so Load can apply
	// migrations in the future.
	stateVersion = 1

	stateFileName = "state.json"
	appDirName    = "parley"
)

// State is the on-disk shape.
type State struct {
	Version int `json:"version"`

	LastRoomID     string `json:"lastRoomId,omitempty"`
	LastMessageID  string `json:"lastMessageId,omitempty"`
	PresenceStatus string `json:"presenceStatus,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Store reads and writes the state file.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a Store rooted at dir. Pass an empty string to use the
// default XDG state path. The directory is created on first save.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the state file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stateFileName)
}

// Load reads the state from disk. A missing file yields a zero-value State
// with the current version.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Version: stateVersion}, nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	return &st, nil
}

// Save writes the state using an atomic temp-file-then-rename pattern.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st *State) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	st.Version = stateVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true

	return nil
}

// SetCursor records the resume cursor.
func (s *Store) SetCursor(roomID, messageID string) error {
	return s.update(func(st *State) {
		st.LastRoomID = roomID
		st.LastMessageID = messageID
	})
}

// SetPresence records the manually chosen presence status.
func (s *Store) SetPresence(status string) error {
	return s.update(func(st *State) {
		st.PresenceStatus = status
	})
}

func (s *Store) update(mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return err
	}
	mutate(st)
	return s.saveLocked(st)
}

// defaultStateDir returns ~/.local/state/parley, respecting XDG_STATE_HOME.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
