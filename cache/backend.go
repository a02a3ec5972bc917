// Package cache coordinates scrape results, locks and completion waits on a
// shared key-value store.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Backend.Get for absent or expired keys.
var ErrNotFound = errors.New("cache: key not found")

// Op is the kind of key-space event.
type Op string

const (
	OpSet     Op = "set"
	OpDel     Op = "del"
	OpExpired Op = "expired"
	// OpConnLost is emitted when the backend loses its event connection.
	// Events written while disconnected may never be delivered.
	OpConnLost Op = "conn_lost"
)

// Event is one key-space notification.
type Event struct {
	Key string
	Op  Op
}

// Subscription streams events for a key pattern. Events may be closed after Close.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Backend is the shared store: single-key reads and writes plus an event bus
// over key writes. Subscribe returns only once the subscription is active, so
// every write made after it returns is delivered.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one slot per key; absent keys are nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set writes value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// SetNXMany sets every absent key to value in one atomic step and reports
	// per key whether it was set.
	SetNXMany(ctx context.Context, keys []string, value []byte, ttl time.Duration) ([]bool, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Subscribe matches keys with glob patterns (*, ?, [..], backslash escapes).
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
