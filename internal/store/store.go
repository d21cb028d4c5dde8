// Package store persists agent sessions and runtime state to the local
// filesystem. Each agent owns one directory under the store root holding
// session.json and state.json, both written atomically at mode 0600.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robman/flohub/internal/pathutil"
	"github.com/robman/flohub/pkg/models"
)

const (
	sessionFile = "session.json"
	stateFile   = "state.json"
	fileMode    = 0o600
	dirMode     = 0o700
)

// ErrNotFound is returned by Load when the agent has no usable snapshot.
var ErrNotFound = errors.New("store: agent not found")

// SessionStore is the on-disk store for hub-persisted agents. Saves for
// the same agent id are serialized; different agents may save concurrently.
type SessionStore struct {
	root        string
	sandboxRoot string
	logger      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a SessionStore rooted at root. sandboxRoot may be empty if
// agents have no bash sandbox.
func New(root, sandboxRoot string, opts ...Option) *SessionStore {
	s := &SessionStore{
		root:        root,
		sandboxRoot: sandboxRoot,
		logger:      slog.Default().With("component", "store"),
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the store root.
func (s *SessionStore) Init() error {
	if err := os.MkdirAll(s.root, dirMode); err != nil {
		return fmt.Errorf("store: create root: %w", err)
	}
	return nil
}

// Root returns the store root directory.
func (s *SessionStore) Root() string { return s.root }

// AgentDir returns the directory holding one agent's files. The id must
// already be validated.
func (s *SessionStore) AgentDir(id string) string {
	return filepath.Join(s.root, id)
}

// FilesRoot returns the agent's workspace directory under the store root.
func (s *SessionStore) FilesRoot(id string) string {
	return filepath.Join(s.root, id, "files")
}

// Save writes the session and state for id atomically. No .tmp.* file
// survives a successful save.
func (s *SessionStore) Save(id string, session *models.SerializedSession, st *models.AgentStoreState) error {
	if err := pathutil.ValidateAgentID(id); err != nil {
		return err
	}
	if session == nil || st == nil {
		return errors.New("store: nil session or state")
	}

	lock := s.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.AgentDir(id)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("store: create agent dir: %w", err)
	}

	sessionData, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	stateData, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, sessionFile), sessionData); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, stateFile), stateData); err != nil {
		return err
	}
	return nil
}

// Load returns the session and state for id, or ErrNotFound when either
// file is missing or unreadable.
func (s *SessionStore) Load(id string) (*models.SerializedSession, *models.AgentStoreState, error) {
	if err := pathutil.ValidateAgentID(id); err != nil {
		return nil, nil, err
	}

	dir := s.AgentDir(id)
	sessionData, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return nil, nil, ErrNotFound
	}
	stateData, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, nil, ErrNotFound
	}

	session, err := models.ParseSession(sessionData)
	if err != nil {
		s.logger.Warn("corrupt session file", "agent", id, "error", err)
		return nil, nil, ErrNotFound
	}
	var st models.AgentStoreState
	if err := json.Unmarshal(stateData, &st); err != nil {
		s.logger.Warn("corrupt state file", "agent", id, "error", err)
		return nil, nil, ErrNotFound
	}
	return session, &st, nil
}

// Delete removes the agent's store directory and its sandbox directory.
// Missing directories are tolerated.
func (s *SessionStore) Delete(id string) error {
	if err := pathutil.ValidateAgentID(id); err != nil {
		return err
	}

	lock := s.agentLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.AgentDir(id)); err != nil {
		return fmt.Errorf("store: remove agent dir: %w", err)
	}
	if s.sandboxRoot != "" {
		if err := os.RemoveAll(filepath.Join(s.sandboxRoot, id)); err != nil {
			return fmt.Errorf("store: remove sandbox dir: %w", err)
		}
	}
	return nil
}

// Exists reports whether a saved session exists for id.
func (s *SessionStore) Exists(id string) bool {
	if err := pathutil.ValidateAgentID(id); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.AgentDir(id), sessionFile))
	return err == nil
}

// List returns summaries for every readable agent. Entries with unsafe
// names or unreadable files are skipped, never failing the whole list.
func (s *SessionStore) List() []models.AgentSummary {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}

	var out []models.AgentSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if pathutil.ValidateAgentID(id) != nil {
			continue
		}
		session, st, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, models.AgentSummary{
			HubAgentID:  id,
			Model:       session.Config.Model,
			Provider:    session.Config.Provider,
			State:       st.State,
			TotalTokens: st.TotalTokens,
			SavedAt:     st.SavedAt,
		})
	}
	return out
}

// agentLock returns the per-agent save mutex, creating it on first use.
func (s *SessionStore) agentLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// writeAtomic writes data to path via a nonce-suffixed temp file, fsyncs,
// then renames over the target.
func writeAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString()[:8])

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return fmt.Errorf("store: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// Touch updates only the SavedAt timestamp in an existing state file.
func (s *SessionStore) Touch(id string) error {
	session, st, err := s.Load(id)
	if err != nil {
		return err
	}
	st.SavedAt = time.Now()
	return s.Save(id, session, st)
}
