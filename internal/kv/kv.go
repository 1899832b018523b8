// Package kv defines the key-value store interface and its implementations.
//
// The store offers only per-key operations and an ordered prefix scan.
// There are no multi-key transactions; layers above are written to
// tolerate that.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the interface for all key-value operations.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
