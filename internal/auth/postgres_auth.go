package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultCacheTTL = 30 * time.Second
	refreshTimeout  = 5 * time.Second
)

// ClientStore finds the api_clients row for a key id.
type ClientStore interface {
	LookupByKeyID(ctx context.Context, keyID string) (*clientRow, error)
}

type clientRow struct {
	ClientID   string
	Name       string
	APIKeyHash string // bcrypt of the full key
	Disabled   bool
}

const lookupClientSQL = `
SELECT id, name, api_key_hash, disabled
FROM api_clients
WHERE api_key_prefix = $1`

type sqlClientStore struct {
	db *sql.DB
}

// LookupByKeyID returns ErrInvalidAPIKey when no client owns keyID.
func (s *sqlClientStore) LookupByKeyID(ctx context.Context, keyID string) (*clientRow, error) {
	var row clientRow
	err := s.db.QueryRowContext(ctx, lookupClientSQL, keyID).
		Scan(&row.ClientID, &row.Name, &row.APIKeyHash, &row.Disabled)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrInvalidAPIKey
	case err != nil:
		return nil, fmt.Errorf("query api_clients: %w", err)
	}
	return &row, nil
}

// PostgresAuthenticator checks keys against the api_clients table. Verified
// clients are cached; expired cache entries are served while one background
// goroutine re-verifies them.
type PostgresAuthenticator struct {
	store  ClientStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures NewPostgresAuthenticator. A zero CacheTTL means 30s.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return newPostgresAuthenticatorWithStore(&sqlClientStore{db: cfg.DB}, NewAuthCache(ttl), cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store ClientStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{store: store, cache: cache, logger: logger}
}

// Authenticate returns the client owning apiKey. Unknown, disabled and
// mismatched keys fail with ErrInvalidAPIKey; store failures with
// ErrAuthUnavailable. Rejections are not cached.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Client, error) {
	if cached := a.cache.Get(apiKey); cached.Hit {
		if cached.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return cached.Client, nil
	}

	client, err := a.verify(ctx, apiKey)
	if errors.Is(err, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		a.logger.Warn("auth store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(apiKey, client)
	return client, nil
}

// backgroundRefresh re-verifies a stale entry. On any failure the entry is
// evicted so the next request verifies synchronously.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	client, err := a.verify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("auth cache refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, client)
}

func (a *PostgresAuthenticator) verify(ctx context.Context, apiKey string) (*Client, error) {
	if len(apiKey) < keyIDLength {
		return nil, ErrInvalidAPIKey
	}

	row, err := a.store.LookupByKeyID(ctx, apiKey[:keyIDLength])
	if err != nil {
		return nil, err
	}
	if row.Disabled {
		return nil, ErrInvalidAPIKey
	}
	if bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)) != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Client{ClientID: row.ClientID, Name: row.Name}, nil
}
