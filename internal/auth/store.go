package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/katidev/kati/internal/api"
)

// Session is the persisted authentication state. It survives restarts so a
// call can resume without logging in again.
type Session struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	User        api.User `json:"user"`
}

// Store persists a single session. Implementations must be safe for
// concurrent use; the API client reads the token on every request while the
// gateway may replace the session from a login.
type Store interface {
	api.TokenSource
	Current() (Session, bool)
	Save(Session) error
}

// FileStore keeps the session as a JSON file under the state directory,
// mode 0600 since it holds a bearer token.
type FileStore struct {
	path string

	mu      sync.RWMutex
	session Session
	loaded  bool
}

func NewFileStore(stateDir string) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s := &FileStore{path: filepath.Join(stateDir, "session.json")}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt session file is treated as logged out rather than a
		// fatal startup error.
		return nil
	}
	if sess.AccessToken != "" {
		s.session = sess
		s.loaded = true
	}
	return nil
}

func (s *FileStore) Save(sess Session) error {
	if sess.AccessToken == "" {
		return errors.New("session has no access token")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	s.session = sess
	s.loaded = true
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	s.loaded = false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

func (s *FileStore) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.loaded
}

func (s *FileStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return "", false
	}
	return s.session.AccessToken, true
}

// MemoryStore holds the session in process memory only. Used in tests and
// when no state directory is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	session Session
	loaded  bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(sess Session) error {
	if sess.AccessToken == "" {
		return errors.New("session has no access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = sess
	s.loaded = true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	s.loaded = false
	return nil
}

func (s *MemoryStore) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.loaded
}

func (s *MemoryStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return "", false
	}
	return s.session.AccessToken, true
}
