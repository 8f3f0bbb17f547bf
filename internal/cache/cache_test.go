package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingPopulate returns a PopulateFunc that yields value and counts its calls.
func countingPopulate(value string, calls *atomic.Int32) PopulateFunc[string] {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}
}

// TestTTLCache_Get_MissThenHit verifies a fresh key populates exactly once and a
// second Get within the TTL returns the stored value without populating.
func TestTTLCache_Get_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute)
	var calls atomic.Int32

	got, err := c.Get(ctx, "k", countingPopulate("first", &calls))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "first" {
		t.Errorf("Get() = %q, want first", got)
	}

	got, err = c.Get(ctx, "k", countingPopulate("second", &calls))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "first" {
		t.Errorf("Get() on hit = %q, want stored value first", got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("populate calls = %d, want 1", n)
	}
}

// TestTTLCache_Get_PopulateErrorNotCached verifies a failing populate propagates its
// error and leaves the key absent.
func TestTTLCache_Get_PopulateErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute)
	errBoom := errors.New("boom")

	_, err := c.Get(ctx, "k", func(ctx context.Context) (string, error) { return "", errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("Get() error = %v, want %v", err, errBoom)
	}

	var calls atomic.Int32
	got, err := c.Get(ctx, "k", countingPopulate("ok", &calls))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "ok" || calls.Load() != 1 {
		t.Errorf("after failed populate: got %q calls %d, want ok and 1", got, calls.Load())
	}
}

// TestTTLCache_Remove verifies a removed key behaves like a fresh key and that
// removing an absent key is a no-op.
func TestTTLCache_Remove(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute)
	var calls atomic.Int32

	if _, err := c.Get(ctx, "k", countingPopulate("v1", &calls)); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := c.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	got, err := c.Get(ctx, "k", countingPopulate("v2", &calls))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "v2" || calls.Load() != 2 {
		t.Errorf("after Remove: got %q calls %d, want v2 and 2", got, calls.Load())
	}

	if err := c.Remove(ctx, "absent"); err != nil {
		t.Errorf("Remove(absent) error = %v, want nil", err)
	}
}

// TestTTLCache_Flush verifies every previously stored key behaves as fresh after Flush.
func TestTTLCache_Flush(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute)
	var calls atomic.Int32

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.Get(ctx, k, countingPopulate(k, &calls)); err != nil {
			t.Fatalf("Get(%s) error = %v", k, err)
		}
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.Get(ctx, k, countingPopulate(k, &calls)); err != nil {
			t.Fatalf("Get(%s) error = %v", k, err)
		}
	}
	if n := calls.Load(); n != 6 {
		t.Errorf("populate calls = %d, want 6", n)
	}
}

// TestTTLCache_Expiration verifies an entry is a hit just before its TTL and a miss
// after, without the background sweeper running.
func TestTTLCache_Expiration(t *testing.T) {
	ctx := context.Background()
	ttl := 300 * time.Millisecond
	c := New[string](NewMemoryStore[string](), ttl)
	var calls atomic.Int32

	inserted := time.Now()
	if _, err := c.Get(ctx, "k", countingPopulate("v", &calls)); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	time.Sleep(time.Until(inserted.Add(ttl - 100*time.Millisecond)))
	if _, err := c.Get(ctx, "k", countingPopulate("v", &calls)); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("populate calls near TTL = %d, want 1", n)
	}

	time.Sleep(time.Until(inserted.Add(ttl + 60*time.Millisecond)))
	if _, err := c.Get(ctx, "k", countingPopulate("v", &calls)); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("populate calls after TTL = %d, want 2", n)
	}
}

func TestTTLCache_DefaultTTL(t *testing.T) {
	c := New[string](NewMemoryStore[string](), 0)
	if c.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", c.TTL(), DefaultTTL)
	}
}

// TestTTLCache_ConcurrentMisses_NoCoalescing verifies each concurrent miss populates
// independently when coalescing is off.
func TestTTLCache_ConcurrentMisses_NoCoalescing(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute)
	const n = 5
	var calls atomic.Int32
	release := make(chan struct{})

	populate := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, "k", populate); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	waitFor(t, func() bool { return calls.Load() == n })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != n {
		t.Errorf("populate calls = %d, want %d", got, n)
	}
}

// TestTTLCache_ConcurrentMisses_Coalescing verifies concurrent misses share one populate.
func TestTTLCache_ConcurrentMisses_Coalescing(t *testing.T) {
	ctx := context.Background()
	c := New[string](NewMemoryStore[string](), time.Minute, WithCoalescing(), WithName("test"))
	const n = 5
	var calls atomic.Int32
	release := make(chan struct{})

	populate := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, "k", populate)
			if err != nil {
				t.Errorf("Get() error = %v", err)
			}
			results[i] = v
		}(i)
	}
	waitFor(t, func() bool { return c.stampede.pendingFor("k") == n })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("populate calls = %d, want 1", got)
	}
	for i, v := range results {
		if v != "v" {
			t.Errorf("results[%d] = %q, want v", i, v)
		}
	}
}

type failingStore struct {
	getErr, setErr, deleteErr, flushErr error
	sets                                 int
}

func (s *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, s.getErr
}

func (s *failingStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.sets++
	return s.setErr
}

func (s *failingStore) Delete(ctx context.Context, key string) error { return s.deleteErr }

func (s *failingStore) Flush(ctx context.Context) error { return s.flushErr }

// TestTTLCache_StoreErrorsDegrade verifies read and write store failures fall back
// to populate and still return the fresh value.
func TestTTLCache_StoreErrorsDegrade(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{getErr: errors.New("connection refused"), setErr: errors.New("timeout")}
	c := New[string](store, time.Minute)
	var calls atomic.Int32

	got, err := c.Get(ctx, "k", countingPopulate("fresh", &calls))
	if err != nil {
		t.Fatalf("Get() error = %v, want nil", err)
	}
	if got != "fresh" || calls.Load() != 1 {
		t.Errorf("Get() = %q calls %d, want fresh and 1", got, calls.Load())
	}
	if store.sets != 1 {
		t.Errorf("store sets = %d, want 1", store.sets)
	}
}

func TestTTLCache_RemoveAndFlushErrors(t *testing.T) {
	ctx := context.Background()
	errDown := errors.New("server down")
	c := New[string](&failingStore{deleteErr: errDown, flushErr: errDown}, time.Minute)

	if err := c.Remove(ctx, "k"); !errors.Is(err, errDown) {
		t.Errorf("Remove() error = %v, want %v", err, errDown)
	}
	if err := c.Flush(ctx); !errors.Is(err, errDown) {
		t.Errorf("Flush() error = %v, want %v", err, errDown)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}
