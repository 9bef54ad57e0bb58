// Package counter provides the shared counter abstraction behind rate
// limiting and token-quota tracking. Two backends implement one contract: a
// Redis store shared across processes and an in-memory store used when Redis
// is unavailable.
package counter

import (
	"context"
	"time"
)

// Store is a key/value counter. Implementations must make IncrBy atomic;
// callers rely on the returned value reflecting their own increment.
type Store interface {
	// Get returns the current value for key, 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
	// IncrBy atomically adds delta to key and returns the new value. When
	// this is the first write for the key and ttl > 0, the ttl is attached.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix. Used by administrative
	// sweeps, not by the request path.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Ping probes backend health.
	Ping(ctx context.Context) error
}
