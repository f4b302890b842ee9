package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testAPIKey is the raw API key used in tests. Must start with "pgk_" and be >= 8 chars.
const testAPIKey = "pgk_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of testAPIKey using MinCost (fast for tests).
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockStore implements ClientStore for testing.
type mockStore struct {
	row       *clientRow
	err       error
	lastKeyID atomic.Value
	callCount atomic.Int32
}

func (m *mockStore) LookupByKeyID(_ context.Context, keyID string) (*clientRow, error) {
	m.callCount.Add(1)
	m.lastKeyID.Store(keyID)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func validStore(t *testing.T) *mockStore {
	return &mockStore{row: &clientRow{ClientID: "cli_abc", Name: "mail-gateway", APIKeyHash: testHash(t)}}
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := validStore(t)
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	client, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if client.ClientID != "cli_abc" || client.Name != "mail-gateway" {
		t.Errorf("unexpected client: %+v", client)
	}
	if got := store.lastKeyID.Load(); got != "pgk_test" {
		t.Errorf("expected lookup by key id pgk_test, got %v", got)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := validStore(t)
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	client, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected still 1 DB call (cache hit), got %d", store.callCount.Load())
	}
	if client.ClientID != "cli_abc" {
		t.Errorf("expected cli_abc from cache, got %s", client.ClientID)
	}
}

func TestPostgresAuth_WrongKeyRejected(t *testing.T) {
	store := validStore(t)
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(context.Background(), "pgk_test_wrong_key_doesnt_match")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}

	// Rejections are not cached.
	_, _ = auth.Authenticate(context.Background(), "pgk_test_wrong_key_doesnt_match")
	if store.callCount.Load() != 2 {
		t.Errorf("expected 2 DB calls, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_DisabledClientRejected(t *testing.T) {
	store := validStore(t)
	store.row.Disabled = true
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for disabled client, got: %v", err)
	}
}

func TestPostgresAuth_ClientNotFound(t *testing.T) {
	store := &mockStore{err: ErrInvalidAPIKey}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	_, err := auth.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_ShortKeyRejectedWithoutLookup(t *testing.T) {
	store := validStore(t)
	auth := newPostgresAuthenticatorWithStore(store, NewAuthCache(time.Minute), zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), "pgk_"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got: %v", err)
	}
	if store.callCount.Load() != 0 {
		t.Errorf("expected no DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	store := validStore(t)
	cache := NewAuthCache(time.Millisecond)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The stored row changes; the stale read still returns the old client.
	store.row = &clientRow{ClientID: "cli_abc", Name: "renamed", APIKeyHash: store.row.APIKeyHash}
	client, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("stale call failed: %v", err)
	}
	if client.Name != "mail-gateway" {
		t.Errorf("expected stale client, got %s", client.Name)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.callCount.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.callCount.Load() != 2 {
		t.Fatalf("expected background refresh, got %d DB calls", store.callCount.Load())
	}
}

func TestPostgresAuth_FailedRefreshEvicts(t *testing.T) {
	store := validStore(t)
	cache := NewAuthCache(time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if r := cache.Get(testAPIKey); !r.Hit {
		t.Fatal("expected cached entry")
	}

	store.err = errors.New("connection refused")
	auth.backgroundRefresh(testAPIKey)
	if r := cache.Get(testAPIKey); r.Hit {
		t.Error("expected entry evicted after failed refresh")
	}
}
