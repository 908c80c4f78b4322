package storage

import (
	"context"
	"sync"
	"testing"
	"time"
)

// StoreTestSuite defines a test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs all store tests against the provided implementation.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("CredentialsLifecycle", s.TestCredentialsLifecycle)
	t.Run("CredentialsNotFound", s.TestCredentialsNotFound)
	t.Run("RegistrationToken", s.TestRegistrationToken)
	t.Run("Authenticator", s.TestAuthenticator)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
}

// TestCredentialsLifecycle saves, overwrites and clears credentials.
func (s *StoreTestSuite) TestCredentialsLifecycle(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	if err := store.SaveCredentials(ctx, &Credentials{Username: "alice", Token: "t1", UpdatedAt: at}); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}

	got, err := store.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if got.Username != "alice" || got.Token != "t1" {
		t.Errorf("unexpected credentials: %+v", got)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("expected UpdatedAt %v, got %v", at, got.UpdatedAt)
	}

	// Mutating the returned value must not affect the store.
	got.Token = "mutated"

	if err := store.SaveCredentials(ctx, &Credentials{Username: "alice", Token: "t2"}); err != nil {
		t.Fatalf("SaveCredentials overwrite failed: %v", err)
	}
	got, err = store.Credentials(ctx)
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if got.Token != "t2" {
		t.Errorf("expected overwritten token t2, got %s", got.Token)
	}

	if err := store.ClearCredentials(ctx); err != nil {
		t.Fatalf("ClearCredentials failed: %v", err)
	}
	if err := store.ClearCredentials(ctx); err != nil {
		t.Fatalf("ClearCredentials is not idempotent: %v", err)
	}
	if _, err := store.Credentials(ctx); !IsNotFound(err) {
		t.Errorf("expected NotFoundError after clear, got %v", err)
	}
}

// TestCredentialsNotFound checks the empty store.
func (s *StoreTestSuite) TestCredentialsNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	_, err := store.Credentials(context.Background())
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if err.Error() != "credentials not found" {
		t.Errorf("unexpected error message: %s", err)
	}
}

// TestRegistrationToken stores the push token independently of credentials.
func (s *StoreTestSuite) TestRegistrationToken(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.RegistrationToken(ctx); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	if err := store.SaveRegistrationToken(ctx, &RegistrationToken{Token: "push-abc"}); err != nil {
		t.Fatalf("SaveRegistrationToken failed: %v", err)
	}
	got, err := store.RegistrationToken(ctx)
	if err != nil {
		t.Fatalf("RegistrationToken failed: %v", err)
	}
	if got.Token != "push-abc" {
		t.Errorf("expected push-abc, got %s", got.Token)
	}

	// Logging out keeps the registration token.
	if err := store.ClearCredentials(ctx); err != nil {
		t.Fatalf("ClearCredentials failed: %v", err)
	}
	if _, err := store.RegistrationToken(ctx); err != nil {
		t.Errorf("registration token lost on logout: %v", err)
	}
}

// TestAuthenticator requires both credential fields.
func (s *StoreTestSuite) TestAuthenticator(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	auth := NewAuthenticator(store)

	ok, err := auth.Authenticated(ctx)
	if err != nil || ok {
		t.Fatalf("empty store: expected (false, nil), got (%v, %v)", ok, err)
	}

	if err := store.SaveCredentials(ctx, &Credentials{Username: "alice"}); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}
	if ok, _ := auth.Authenticated(ctx); ok {
		t.Error("username without token must not authenticate")
	}

	if err := store.SaveCredentials(ctx, &Credentials{Username: "alice", Token: "t1"}); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}
	if ok, err := auth.Authenticated(ctx); err != nil || !ok {
		t.Errorf("expected (true, nil), got (%v, %v)", ok, err)
	}
}

// TestConcurrentAccess runs readers and writers in parallel.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := store.SaveCredentials(ctx, &Credentials{Username: "alice", Token: "t"}); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := store.Credentials(ctx); err != nil && !IsNotFound(err) {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}
}
