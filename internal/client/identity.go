package client

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Identity is the durable association between this client and a session
type Identity struct {
	SessionID    string    `json:"sessionId"`
	PlayerName   string    `json:"playerName"`
	IsWatcher    bool      `json:"isWatcher"`
	LastActivity time.Time `json:"lastActivity"`
	// ConnectionID is the server connection that last held our participant
	ConnectionID string `json:"connectionId,omitempty"`
}

// IdentityStore persists the client identity across restarts. LastName is
// kept separately and survives ClearIdentity.
type IdentityStore interface {
	LoadIdentity() (Identity, bool, error)
	SaveIdentity(id Identity) error
	ClearIdentity() error
	LastName() string
	SaveLastName(name string) error
}

// document is the on-disk layout of a FileStore
type document struct {
	Identity *Identity `json:"identity,omitempty"`
	LastName string    `json:"lastName,omitempty"`
}

// FileStore keeps the identity in a JSON file
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path. The file is created on first
// save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultIdentityPath returns the identity file under the user config dir
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "planningpoker", "identity.json"), nil
}

// read loads the document. A file that is not a JSON object is removed and
// treated as empty. An identity section with the wrong shape is dropped.
func (f *FileStore) read() (document, error) {
	data, err := os.ReadFile(f.path)
	if stderrors.Is(err, os.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("reading identity: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		if rmErr := os.Remove(f.path); rmErr != nil && !stderrors.Is(rmErr, os.ErrNotExist) {
			return document{}, fmt.Errorf("removing malformed identity: %w", rmErr)
		}
		return document{}, nil
	}

	var doc document
	if name, ok := raw["lastName"]; ok {
		json.Unmarshal(name, &doc.LastName)
	}
	if section, ok := raw["identity"]; ok {
		if id, valid := parseIdentity(section); valid {
			doc.Identity = &id
		} else if err := f.write(doc); err != nil {
			return document{}, err
		}
	}
	return doc, nil
}

// parseIdentity checks that the stored identity has the expected fields and
// types before decoding it.
func parseIdentity(data json.RawMessage) (Identity, bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Identity{}, false
	}
	if _, ok := fields["sessionId"].(string); !ok {
		return Identity{}, false
	}
	if _, ok := fields["playerName"].(string); !ok {
		return Identity{}, false
	}
	if _, ok := fields["isWatcher"].(bool); !ok {
		return Identity{}, false
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.SessionID == "" {
		return Identity{}, false
	}
	return id, true
}

func (f *FileStore) write(doc document) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating identity dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// LoadIdentity returns the stored identity, if any
func (f *FileStore) LoadIdentity() (Identity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil || doc.Identity == nil {
		return Identity{}, false, err
	}
	return *doc.Identity, true, nil
}

// SaveIdentity stores id
func (f *FileStore) SaveIdentity(id Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Identity = &id
	return f.write(doc)
}

// ClearIdentity forgets the session association and keeps the last name
func (f *FileStore) ClearIdentity() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	if doc.Identity == nil {
		return nil
	}
	doc.Identity = nil
	return f.write(doc)
}

// LastName returns the most recently used player name
func (f *FileStore) LastName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, _ := f.read()
	return doc.LastName
}

// SaveLastName stores the most recently used player name
func (f *FileStore) SaveLastName(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.LastName = name
	return f.write(doc)
}

// MemoryStore is an in-process IdentityStore
type MemoryStore struct {
	mu       sync.Mutex
	identity *Identity
	lastName string
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadIdentity() (Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false, nil
	}
	return *m.identity, true, nil
}

func (m *MemoryStore) SaveIdentity(id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = &id
	return nil
}

func (m *MemoryStore) ClearIdentity() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = nil
	return nil
}

func (m *MemoryStore) LastName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastName
}

func (m *MemoryStore) SaveLastName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastName = name
	return nil
}
