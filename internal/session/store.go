package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned by a CredentialStore when key holds nothing
var ErrNotFound = errors.New("credential not found")

// CredentialStore persists credentials under a fixed key
type CredentialStore interface {
	Load(ctx context.Context, key string) (*Credential, error)
	Save(ctx context.Context, key string, cred *Credential) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps credentials for the lifetime of the process
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Load returns the credential stored under key
func (m *MemoryStore) Load(ctx context.Context, key string) (*Credential, error) {
	m.mu.Lock()
	raw, ok := m.items[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeCredential(raw)
}

// Save replaces the credential stored under key
func (m *MemoryStore) Save(ctx context.Context, key string, cred *Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[key] = raw
	m.mu.Unlock()
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func decodeCredential(raw []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, &CredentialError{Message: "corrupt cached credential", Cause: err}
	}
	return &cred, nil
}
