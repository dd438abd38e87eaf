// Package store defines the warm key-value and cold blob storage contracts.
//
// Warm KV holds small metadata records: session state, archival pointers,
// rate-limit windows, workflow executions, persisted error logs, alerts.
// Cold blob holds large JSON-serialized conversation archives. Both backends
// are externally concurrency-safe; callers issue idempotent writes keyed by
// deterministic paths.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or blob path does not exist.
var ErrNotFound = errors.New("store: not found")

// KV is the warm small-object store.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key. ttl == 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap writes next only if the current value equals prev.
	// prev == nil means "create only if absent". Returns false when the
	// current value did not match.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns keys with the given prefix, ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Blob is the cold large-object store.
type Blob interface {
	// Put writes data at path, replacing any existing object.
	Put(ctx context.Context, path string, data []byte) error

	// Get returns the object at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object. Deleting a missing object is a no-op.
	Delete(ctx context.Context, path string) error

	// List returns object paths with the given prefix, ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}
