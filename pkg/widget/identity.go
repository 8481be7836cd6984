package widget

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Identity is what a guest widget persists between sessions.
type Identity struct {
	SessionToken string `json:"sessionToken"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
}

// IdentityStore persists the guest session token, the browser-local storage
// of an embedded widget.
type IdentityStore interface {
	Load() (Identity, bool, error)
	Save(Identity) error
	Clear() error
}

// MemoryIdentityStore keeps the identity for the life of the process.
type MemoryIdentityStore struct {
	mu       sync.Mutex
	identity *Identity
}

// NewMemoryIdentityStore returns an empty store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{}
}

func (s *MemoryIdentityStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false, nil
	}
	return *s.identity, true, nil
}

func (s *MemoryIdentityStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
	return nil
}

func (s *MemoryIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	return nil
}

// FileIdentityStore keeps the identity in a JSON file.
type FileIdentityStore struct {
	mu   sync.Mutex
	path string
}

// NewFileIdentityStore stores the identity at path.
func NewFileIdentityStore(path string) *FileIdentityStore {
	return &FileIdentityStore{path: path}
}

func (s *FileIdentityStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil || id.SessionToken == "" {
		// unreadable files are treated as no identity
		return Identity{}, false, nil
	}
	return id, true, nil
}

func (s *FileIdentityStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
