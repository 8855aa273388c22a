// Package store persists sessions and their append-only message logs as
// JSON files. The orchestrator is the only writer for a given session, so a
// per-file lock plus atomic rename is all the coordination needed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/deskagent-ai/deskagent/pkg/types"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when an append would overwrite a message.
	ErrExists = errors.New("message already exists")
)

// Store is a file-backed session and message store.
type Store struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

// New creates a store rooted at basePath.
func New(basePath string) *Store {
	return &Store{basePath: basePath, locks: make(map[string]*fileLock)}
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.basePath, "sessions", sessionID+".json")
}

func (s *Store) messageDir(sessionID string) string {
	return filepath.Join(s.basePath, "messages", sessionID)
}

// CreateSession writes a new session record.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	return s.writeJSON(s.sessionPath(session.ID), session)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	if err := s.readJSON(s.sessionPath(sessionID), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*types.Session, error) {
	dir := filepath.Join(s.basePath, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	var sessions []*types.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var session types.Session
		if err := s.readJSON(filepath.Join(dir, e.Name()), &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Time.Created > sessions[j].Time.Created
	})
	return sessions, nil
}

// UpdateSessionMeta applies a partial update to the session record.
func (s *Store) UpdateSessionMeta(ctx context.Context, sessionID string, update func(*types.Session)) (*types.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	update(session)
	if err := s.writeJSON(s.sessionPath(sessionID), session); err != nil {
		return nil, err
	}
	return session, nil
}

// Append adds a message to the session's log. Messages are written once;
// overwriting an existing one is refused.
func (s *Store) Append(ctx context.Context, sessionID string, msg *types.Message) error {
	path := filepath.Join(s.messageDir(sessionID), msg.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, msg.ID)
	}
	return s.writeJSON(path, msg)
}

// List returns the session's messages in append order. Message ids are
// ULIDs, so lexicographic file order is append order.
func (s *Store) List(ctx context.Context, sessionID string) ([]*types.Message, error) {
	dir := s.messageDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var messages []*types.Message
	for _, name := range names {
		var msg types.Message
		if err := s.readJSON(filepath.Join(dir, name), &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

// DeleteSession removes a session and its message log.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := os.Remove(s.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.messageDir(sessionID))
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	// Write-then-rename keeps readers from seeing a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (s *Store) getLock(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = newFileLock(path)
		s.locks[path] = lock
	}
	return lock
}
