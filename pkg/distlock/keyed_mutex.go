package distlock

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedMutex is a process-local mutex per key. Keys are compared case-insensitively.
// At most one caller holds a given key; the others block in Wait.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
	held bool
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: map[string]*keyedEntry{}}
}

// Wait blocks until the key is held by the caller or ctx is done.
func (m *KeyedMutex) Wait(ctx context.Context, key string) error {
	k := normalizeKey(key)

	m.mu.Lock()
	entry, ok := m.entries[k]
	if !ok {
		entry = &keyedEntry{sem: semaphore.NewWeighted(1)}
		m.entries[k] = entry
	}
	entry.refs++
	m.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.dropRef(k, entry)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	entry.held = true
	m.mu.Unlock()
	return nil
}

// Release frees a held key. Releasing a key that is not held returns ErrNotHeld.
func (m *KeyedMutex) Release(key string) error {
	k := normalizeKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[k]
	if !ok || !entry.held {
		return lockError(ErrNotHeld, "local mutex for "+key+" is not held")
	}
	entry.held = false
	m.dropRef(k, entry)
	entry.sem.Release(1)
	return nil
}

// IsHeld reports whether the key is held or has waiters.
func (m *KeyedMutex) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[normalizeKey(key)]
	return ok
}

// dropRef must be called with m.mu held.
func (m *KeyedMutex) dropRef(k string, entry *keyedEntry) {
	entry.refs--
	if entry.refs <= 0 {
		delete(m.entries, k)
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}
