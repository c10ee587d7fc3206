package memory

import (
	"context"
	"sync"

	"github.com/xenking/trip-promo/internal/domain/auth"
)

var _ auth.Repository = (*APIKeys)(nil)

// APIKeys is an in-memory auth.Repository.
type APIKeys struct {
	mu     sync.RWMutex
	byHash map[string]auth.APIKeyInfo
}

// NewAPIKeys returns an empty key store.
func NewAPIKeys() *APIKeys {
	return &APIKeys{byHash: make(map[string]auth.APIKeyInfo)}
}

// FindByHash returns the key stored under hash.
func (k *APIKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	info, ok := k.byHash[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &info, nil
}

// Create stores key, replacing any key with the same id.
func (k *APIKeys) Create(_ context.Context, key *auth.APIKeyInfo) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for hash, existing := range k.byHash {
		if existing.ID == key.ID {
			delete(k.byHash, hash)
		}
	}
	k.byHash[key.KeyHash] = *key
	return nil
}
