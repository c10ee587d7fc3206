// Package auth authenticates API clients by peppered key hashes and scopes.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// Scopes granted to API keys.
const (
	// ScopeRedeem allows validating and redeeming promo codes at checkout.
	ScopeRedeem = "promo:redeem"
	// ScopeAdmin allows managing promo codes and reading stats.
	ScopeAdmin = "promo:admin"
)

var (
	// ErrUnauthorized is returned for unknown or mismatching keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a key lacks the required scope.
	ErrForbidden = errors.New("forbidden")
	// ErrKeyNotFound is returned by repositories when no active key matches.
	ErrKeyNotFound = errors.New("api key not found")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
	Create(ctx context.Context, key *APIKeyInfo) error
}

// Hasher derives storage hashes from raw keys with a server-side pepper.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher using pepper as the HMAC key.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: pepper}
}

func (h *Hasher) sum(key string) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(key))
	return mac.Sum(nil)
}

// Hash returns the hex-encoded HMAC-SHA256 of key.
func (h *Hasher) Hash(key string) string {
	return hex.EncodeToString(h.sum(key))
}

// Authenticator resolves raw keys to APIKeyInfo.
type Authenticator struct {
	keys   Repository
	hasher *Hasher
}

// NewAuthenticator creates an Authenticator over keys.
func NewAuthenticator(keys Repository, hasher *Hasher) *Authenticator {
	return &Authenticator{keys: keys, hasher: hasher}
}

// Authenticate hashes key, looks it up and compares the stored hash in
// constant time.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hash := a.hasher.sum(key)

	info, err := a.keys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, ErrUnauthorized
	}
	return info, nil
}
