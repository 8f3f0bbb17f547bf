package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements Store in process memory. Safe for concurrent use.
// Entries keep the expiry computed at Set; reads never extend it.
type MemoryStore[V any] struct {
	items     *ttlcache.Cache[string, V]
	startOnce sync.Once
	running   atomic.Bool
}

// NewMemoryStore creates an empty MemoryStore. Call Start to reclaim expired
// entries in the background and Close to stop it.
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{
		items: ttlcache.New[string, V](
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
	}
}

// Start launches the expiry sweeper. Subsequent calls are no-ops.
func (s *MemoryStore[V]) Start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		go s.items.Start()
	})
}

// Close stops the expiry sweeper if it is running.
func (s *MemoryStore[V]) Close() error {
	if s.running.CompareAndSwap(true, false) {
		s.items.Stop()
	}
	return nil
}

// Get implements Store.Get. Expired entries read as misses even before the sweeper removes them.
func (s *MemoryStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	item := s.items.Get(key)
	if item == nil || item.IsExpired() {
		return zero, false, nil
	}
	return item.Value(), true, nil
}

// Set implements Store.Set.
func (s *MemoryStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	s.items.Set(key, value, ttl)
	return nil
}

// Delete implements Store.Delete.
func (s *MemoryStore[V]) Delete(ctx context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

// Flush implements Store.Flush.
func (s *MemoryStore[V]) Flush(ctx context.Context) error {
	s.items.DeleteAll()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore[V]) Len() int {
	return s.items.Len()
}
