// Package platform abstracts the durable key/value storage and connectivity
// probes the sync engine depends on, so the core logic runs unchanged against
// Redis in production and an in-memory map in tests.
package platform

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("platform: item not found")

// Storage is the narrow surface every component persists through.
// No component touches the underlying keys directly.
type Storage interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// Network reports whether the backend looks reachable right now
type Network interface {
	IsOnline() bool
}
