// Package auth authenticates API clients of the screening endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// KeyPrefix starts every phishguard API key.
const KeyPrefix = "pgk_"

// keyIDLength is the number of leading key characters stored in clear text
// for lookup (e.g. "pgk_abcd").
const keyIDLength = 8

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Client is the authenticated caller.
type Client struct {
	ClientID string
	Name     string
}

// Authenticator validates an API key and returns the client it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Client, error)
}

// ExtractAPIKey parses an Authorization header value ("Bearer pgk_...").
func ExtractAPIKey(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrMissingAPIKey
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, KeyPrefix) || len(token) < keyIDLength {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator accepts a fixed list of keys from configuration.
type StaticAuthenticator struct {
	keys [][]byte
}

// NewStaticAuthenticator creates an authenticator for keys. Keys without the
// pgk_ prefix can never match.
func NewStaticAuthenticator(keys []string) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	for _, k := range keys {
		a.keys = append(a.keys, []byte(k))
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Client, error) {
	if len(apiKey) < keyIDLength || !strings.HasPrefix(apiKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	candidate := []byte(apiKey)
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, candidate) == 1 {
			return &Client{ClientID: apiKey[:keyIDLength], Name: "static"}, nil
		}
	}
	return nil, ErrInvalidAPIKey
}
