package cache

import (
	"context"
	"time"
)

// Store is the backing key/value storage of a TTLCache.
// Get returns (value, true, nil) only for present, unexpired entries.
// Delete of an absent key is not an error.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}
