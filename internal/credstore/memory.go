package credstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. The map itself is guarded by an RWMutex
// that is only held to find, create or unlink an entry; each entry has its
// own lock, so writes to one session never block reads of another.
//
// Lock order is map then entry. Put and Get never take the map lock while
// holding an entry lock.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	mu   sync.RWMutex
	cred *Credential
	dead bool // unlinked from the map by Delete or PurgeExpired
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) lookup(userID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[userID]
}

func (m *Memory) lookupOrCreate(userID string) *entry {
	if e := m.lookup(userID); e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		e = &entry{}
		m.entries[userID] = e
	}
	return e
}

// Put creates or replaces the binding for userID.
func (m *Memory) Put(_ context.Context, userID, apiKey string, ttl time.Duration) (*Credential, error) {
	now := m.now()
	cred := &Credential{
		UserID:       userID,
		APIKey:       apiKey,
		RegisteredAt: now,
		ExpiresAt:    ExpiryFor(now, ttl),
	}

	for {
		e := m.lookupOrCreate(userID)
		e.mu.Lock()
		// A concurrent Delete may have unlinked this entry between lookup
		// and lock; retry against the live one.
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.cred = cred
		e.mu.Unlock()
		break
	}

	out := *cred
	return &out, nil
}

// Get returns a copy of the live binding for userID.
func (m *Memory) Get(_ context.Context, userID string) (*Credential, error) {
	e := m.lookup(userID)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cred == nil || e.cred.Expired(m.now()) {
		return nil, ErrNotFound
	}
	out := *e.cred
	return &out, nil
}

// Delete removes the binding for userID.
func (m *Memory) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		e.mu.Lock()
		e.cred = nil
		e.dead = true
		e.mu.Unlock()
		delete(m.entries, userID)
	}
	return nil
}

// PurgeExpired removes expired bindings.
func (m *Memory) PurgeExpired(_ context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, e := range m.entries {
		e.mu.Lock()
		if e.cred == nil || e.cred.Expired(now) {
			e.cred = nil
			e.dead = true
			delete(m.entries, id)
			purged++
		}
		e.mu.Unlock()
	}
	return purged, nil
}

// Len returns the number of stored bindings.
func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
