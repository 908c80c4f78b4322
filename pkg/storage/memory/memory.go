// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"sync"

	"github.com/securecall/callrelay/pkg/storage"
)

// MemoryStorage implements the Store interface in process memory. Nothing
// survives a restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	creds *storage.Credentials
	token *storage.RegistrationToken
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// SaveCredentials stores a copy of creds.
func (m *MemoryStorage) SaveCredentials(_ context.Context, creds *storage.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *creds
	m.creds = &copied
	return nil
}

// Credentials returns a copy of the stored credentials.
func (m *MemoryStorage) Credentials(_ context.Context) (*storage.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.creds == nil {
		return nil, &storage.NotFoundError{EntityType: storage.EntityCredentials}
	}
	copied := *m.creds
	return &copied, nil
}

// ClearCredentials forgets the stored credentials.
func (m *MemoryStorage) ClearCredentials(_ context.Context) error {
	m.mu.Lock()
	m.creds = nil
	m.mu.Unlock()
	return nil
}

// SaveRegistrationToken stores a copy of token.
func (m *MemoryStorage) SaveRegistrationToken(_ context.Context, token *storage.RegistrationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *token
	m.token = &copied
	return nil
}

// RegistrationToken returns a copy of the stored token.
func (m *MemoryStorage) RegistrationToken(_ context.Context) (*storage.RegistrationToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return nil, &storage.NotFoundError{EntityType: storage.EntityRegistrationToken}
	}
	copied := *m.token
	return &copied, nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}
