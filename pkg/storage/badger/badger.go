// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/securecall/callrelay/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
}

// BadgerStorage implements the Store interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

var (
	credentialsKey       = []byte("relay:credentials")
	registrationTokenKey = []byte("relay:registration_token")
)

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path).WithLogger(nil)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

func (b *BadgerStorage) put(key []byte, v any) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (b *BadgerStorage) get(key []byte, entity string, v any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: entity}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, v)
		})
	})
}

// SaveCredentials stores creds, replacing any previous value.
func (b *BadgerStorage) SaveCredentials(_ context.Context, creds *storage.Credentials) error {
	return b.put(credentialsKey, creds)
}

// Credentials returns the stored credentials.
func (b *BadgerStorage) Credentials(_ context.Context) (*storage.Credentials, error) {
	var creds storage.Credentials
	if err := b.get(credentialsKey, storage.EntityCredentials, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// ClearCredentials deletes the stored credentials. Deleting a missing key succeeds.
func (b *BadgerStorage) ClearCredentials(_ context.Context) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credentialsKey)
	})
}

// SaveRegistrationToken stores the push registration token.
func (b *BadgerStorage) SaveRegistrationToken(_ context.Context, token *storage.RegistrationToken) error {
	return b.put(registrationTokenKey, token)
}

// RegistrationToken returns the stored push registration token.
func (b *BadgerStorage) RegistrationToken(_ context.Context) (*storage.RegistrationToken, error) {
	var token storage.RegistrationToken
	if err := b.get(registrationTokenKey, storage.EntityRegistrationToken, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	// GC errors (usually ErrNoRewrite) never block close.
	_ = b.db.RunValueLogGC(0.5)
	return b.db.Close()
}
