package platform

import (
	"context"
	"sync"
)

// MemoryStorage is an in-process Storage used in tests and as a degraded
// fallback when Redis is unreachable at startup. Contents do not survive a
// process restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items: make(map[string]string),
	}
}

// GetItem retrieves a stored value
func (s *MemoryStorage) GetItem(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// SetItem stores a value under a key
func (s *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

// RemoveItem deletes a key; deleting a missing key is a no-op
func (s *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}
