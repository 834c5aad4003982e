package credstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get before Put = %v, want ErrNotFound", err)
	}

	cred, err := m.Put(ctx, "abc", "k1", 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if cred.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil with zero ttl", cred.ExpiresAt)
	}

	got, err := m.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != "k1" {
		t.Errorf("APIKey = %q, want k1", got.APIKey)
	}
}

func TestMemory_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Put(ctx, "abc", "k1", 0)
	_, _ = m.Put(ctx, "abc", "k2", 0)

	got, err := m.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != "k2" {
		t.Errorf("APIKey = %q, want k2", got.APIKey)
	}
	if n, _ := m.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Put(ctx, "abc", "k1", 0)

	got, _ := m.Get(ctx, "abc")
	got.APIKey = "mutated"

	again, _ := m.Get(ctx, "abc")
	if again.APIKey != "k1" {
		t.Errorf("stored key changed through returned copy: %q", again.APIKey)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))

	cred, _ := m.Put(ctx, "abc", "k1", time.Hour)
	if cred.ExpiresAt == nil || !cred.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", cred.ExpiresAt)
	}

	clock.Advance(59 * time.Minute)
	if _, err := m.Get(ctx, "abc"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := m.Get(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get at expiry = %v, want ErrNotFound", err)
	}

	// Re-registration restarts the clock.
	_, _ = m.Put(ctx, "abc", "k2", time.Hour)
	if _, err := m.Get(ctx, "abc"); err != nil {
		t.Fatalf("Get after re-registration: %v", err)
	}
}

func TestMemory_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewMemory(WithClock(clock.Now))

	_, _ = m.Put(ctx, "short", "k", time.Minute)
	_, _ = m.Put(ctx, "long", "k", time.Hour)
	_, _ = m.Put(ctx, "forever", "k", 0)

	clock.Advance(2 * time.Minute)
	n, err := m.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if l, _ := m.Len(ctx); l != 2 {
		t.Errorf("Len = %d, want 2", l)
	}
	if _, err := m.Get(ctx, "long"); err != nil {
		t.Errorf("long binding lost: %v", err)
	}
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Put(ctx, "abc", "k1", 0)

	if err := m.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}

	_, _ = m.Put(ctx, "abc", "k2", 0)
	got, err := m.Get(ctx, "abc")
	if err != nil || got.APIKey != "k2" {
		t.Errorf("Put after Delete: %v %v", got, err)
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := Exists(ctx, m, "abc"); ok || err != nil {
		t.Fatalf("Exists before Put = %v, %v", ok, err)
	}
	_, _ = m.Put(ctx, "abc", "k", 0)
	if _, ok, err := Exists(ctx, m, "abc"); !ok || err != nil {
		t.Fatalf("Exists after Put = %v, %v", ok, err)
	}
}

// Concurrent writers to one session must leave one of the written keys,
// never a torn or missing value; run with -race.
func TestMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const writers = 16
	const rounds = 200
	valid := make(map[string]bool, writers)
	for w := 0; w < writers; w++ {
		valid[fmt.Sprintf("key-%d", w)] = true
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", w)
			for i := 0; i < rounds; i++ {
				_, _ = m.Put(ctx, "shared", key, 0)
				if got, err := m.Get(ctx, "shared"); err == nil && !valid[got.APIKey] {
					t.Errorf("observed unknown key %q", got.APIKey)
				}
				if i%50 == 0 {
					_ = m.Delete(ctx, "shared")
					_, _ = m.PurgeExpired(ctx)
				}
				_, _ = m.Put(ctx, fmt.Sprintf("own-%d", w), key, 0)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		got, err := m.Get(ctx, fmt.Sprintf("own-%d", w))
		if err != nil {
			t.Fatalf("own-%d: %v", w, err)
		}
		if got.APIKey != fmt.Sprintf("key-%d", w) {
			t.Errorf("own-%d = %q", w, got.APIKey)
		}
	}
}
