package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// State is the daemon's persisted snapshot, reloaded on startup so resume
// counters survive restarts.
type State struct {
	Type             string `json:"type"` // "daemon_state"
	SchemaVersion    int    `json:"schemaVersion"`
	LastSessionPath  string `json:"last_session_path,omitempty"`
	LastStopReason   string `json:"last_stop_reason,omitempty"`
	LastOutcome      string `json:"last_outcome,omitempty"`
	ResumesAttempted int    `json:"resumes_attempted"`
	ResumesSucceeded int    `json:"resumes_succeeded"`
	UpdatedAt        string `json:"updated_at,omitempty"`
}

// StateStore persists State as JSON, guarded by an advisory file lock so a
// concurrently running inspection command reads a consistent snapshot.
type StateStore struct {
	path        string
	lockTimeout time.Duration
}

// NewStateStore creates a store writing to path.
func NewStateStore(path string, lockTimeout time.Duration) *StateStore {
	return &StateStore{path: path, lockTimeout: lockTimeout}
}

// Load reads the persisted state. A missing file returns (nil, nil).
func (s *StateStore) Load() (*State, error) {
	unlock, err := s.acquire(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read daemon state: %w", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode daemon state: %w", err)
	}
	return &st, nil
}

// Save writes the state atomically: temp file then rename.
func (s *StateStore) Save(st *State) error {
	if st == nil {
		return errors.New("daemon state is required")
	}
	st.Type = "daemon_state"
	st.SchemaVersion = 1

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	unlock, err := s.acquire(true)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode daemon state: %w", err)
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write daemon state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace daemon state: %w", err)
	}
	return nil
}

func (s *StateStore) acquire(exclusive bool) (func(), error) {
	lock := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = lock.TryLockContext(ctx, 50*time.Millisecond)
	} else {
		locked, err = lock.TryRLockContext(ctx, 50*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, errors.New("timed out waiting for state lock")
	}
	return func() { _ = lock.Unlock() }, nil
}
