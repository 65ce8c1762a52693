package shipper

import (
	"context"
	"sync"
	"time"
)

// CachedToken is a bearer credential with its expiry.
type CachedToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token can still be used at now, keeping margin
// before the recorded expiry.
func (t *CachedToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return t.ExpiresAt.Add(-margin).After(now)
}

// TokenStore persists carrier credentials between requests.
// GetToken returns nil, nil when no token is stored under key.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (*CachedToken, error)
	SetToken(ctx context.Context, key string, tok CachedToken) error
}

// MemoryTokenStore is a process-local TokenStore.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]CachedToken
}

// NewMemoryTokenStore creates an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]CachedToken)}
}

// GetToken implements TokenStore.
func (s *MemoryTokenStore) GetToken(_ context.Context, key string) (*CachedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	return &tok, nil
}

// SetToken implements TokenStore.
func (s *MemoryTokenStore) SetToken(_ context.Context, key string, tok CachedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tok
	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
