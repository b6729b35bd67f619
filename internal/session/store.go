// ABOUTME: Session table keyed by identity with flat-file JSON snapshots
// ABOUTME: Saves write a temp file then rename; busy sessions never contribute live state

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// snapshotVersion is bumped when the file layout changes incompatibly.
const snapshotVersion = 1

// Snapshot is the on-disk layout of the session table.
type Snapshot struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Sessions map[string]Record `json:"sessions"`
}

// Store maps identities to sessions and persists them to a snapshot file.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[Identity]*Session

	// saveMu serializes writers of the snapshot file.
	saveMu sync.Mutex
}

// NewStore creates an empty store persisting to path. Call Load to restore a
// previous snapshot.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[Identity]*Session),
	}
}

// GetOrCreate returns the session for id, creating an idle one on first use.
func (s *Store) GetOrCreate(id Identity) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess = newSession(id)
	s.sessions[id] = sess
	return sess
}

// Get returns the session for id if one exists.
func (s *Store) Get(id Identity) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// All returns every session in identity order.
func (s *Store) All() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].identity < out[j].identity })
	return out
}

// Len returns the number of sessions in the table.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Save writes the session table to disk. Sessions holding a timer handle are
// skipped; their last quiet record, if any, is written in their place.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := Snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UTC(),
		Sessions: make(map[string]Record),
	}

	busy := 0
	for _, sess := range s.All() {
		rec, live := sess.snapshot()
		if !live {
			busy++
		}
		if rec == nil {
			continue
		}
		snap.Sessions[strconv.FormatInt(int64(sess.identity), 10)] = *rec
	}

	if err := writeSnapshot(s.path, &snap); err != nil {
		return err
	}

	s.logger.Debug("session snapshot saved",
		"path", s.path,
		"sessions", len(snap.Sessions),
		"busy", busy,
	)
	return nil
}

// Load replaces the table with the snapshot on disk. A missing or unreadable
// file leaves an empty table; neither is fatal.
func (s *Store) Load() {
	snap, err := ReadSnapshot(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[Identity]*Session)

	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no session snapshot found, starting empty", "path", s.path)
		return
	}
	if err != nil {
		s.logger.Error("failed to load session snapshot, starting empty", "path", s.path, "error", err)
		return
	}

	for key, rec := range snap.Sessions {
		raw, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			s.logger.Warn("skipping session with invalid identity", "identity", key)
			continue
		}
		id := Identity(raw)
		s.sessions[id] = restoreSession(id, rec)
	}
	s.logger.Info("sessions loaded", "path", s.path, "count", len(s.sessions))
}

// ReadSnapshot decodes the snapshot file at path.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]Record)
	}
	return &snap, nil
}

// writeSnapshot writes snap to a temp file next to path and renames it over path.
func writeSnapshot(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
