// Package storage persists the small amount of state the relay needs across
// restarts: the push registration token and the session credentials that gate
// the keep-alive session. Values are passed through as given.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store defines the persistence operations used by the relay.
type Store interface {
	// Session credentials
	SaveCredentials(ctx context.Context, creds *Credentials) error
	Credentials(ctx context.Context) (*Credentials, error)
	ClearCredentials(ctx context.Context) error

	// Push registration token
	SaveRegistrationToken(ctx context.Context, token *RegistrationToken) error
	RegistrationToken(ctx context.Context) (*RegistrationToken, error)

	// Lifecycle
	Close() error
}

// Credentials are the session credentials of the logged-in user.
type Credentials struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether both fields are set.
func (c *Credentials) Complete() bool {
	return c != nil && c.Username != "" && c.Token != ""
}

// RegistrationToken is the push registration token issued by the gateway.
type RegistrationToken struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entity names used in NotFoundError.
const (
	EntityCredentials       = "credentials"
	EntityRegistrationToken = "registration_token"
)

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.EntityType)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// Authenticator answers the keep-alive session's credential check from a Store.
type Authenticator struct {
	store Store
}

// NewAuthenticator creates an Authenticator backed by store.
func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticated reports whether complete credentials are stored. A missing
// record is not an error.
func (a *Authenticator) Authenticated(ctx context.Context) (bool, error) {
	creds, err := a.store.Credentials(ctx)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	return creds.Complete(), nil
}
