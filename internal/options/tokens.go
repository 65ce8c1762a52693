package options

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tournevent/labelflow/pkg/shipper"
)

// TokenStore keeps carrier tokens in an option Store, expiring them with the token.
type TokenStore struct {
	store Store
	now   func() time.Time
}

// NewTokenStore creates a TokenStore backed by store.
func NewTokenStore(store Store) *TokenStore {
	return &TokenStore{store: store, now: time.Now}
}

// GetToken implements shipper.TokenStore.
func (t *TokenStore) GetToken(ctx context.Context, key string) (*shipper.CachedToken, error) {
	raw, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tok shipper.CachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decoding token %s: %w", key, err)
	}
	return &tok, nil
}

// SetToken implements shipper.TokenStore.
func (t *TokenStore) SetToken(ctx context.Context, key string, tok shipper.CachedToken) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token %s: %w", key, err)
	}
	ttl := tok.ExpiresAt.Sub(t.now())
	if ttl <= 0 {
		return t.store.Delete(ctx, key)
	}
	return t.store.Set(ctx, key, string(raw), ttl)
}

var _ shipper.TokenStore = (*TokenStore)(nil)
