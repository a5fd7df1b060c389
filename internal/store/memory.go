package store

import (
	"context"
	"sync"
	"time"
)

const backendMemory = "memory"

// Memory is the in-process backend. Each key owns a timer; re-putting a key
// replaces its timer so only the latest TTL can fire.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	generation uint64
	clock      func() time.Time
	handlers   expiryHandlers
	closed     bool
}

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	timer      *time.Timer
	generation uint64
}

// MemoryConfig describes the optional dependencies of the in-process backend.
type MemoryConfig struct {
	Clock func() time.Time
}

// NewMemory constructs an empty in-process store.
func NewMemory(cfg MemoryConfig) *Memory {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		entries: make(map[string]*memoryEntry),
		clock:   clock,
	}
}

func (m *Memory) Name() string {
	return backendMemory
}

func (m *Memory) OnExpire(handler ExpiryHandler) {
	m.handlers.add(handler)
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.storeLocked(key, value, ttl)
	return nil
}

func (m *Memory) Replace(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.liveEntryLocked(key); !ok {
		return false, nil
	}
	m.storeLocked(key, value, ttl)
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	entry, ok := m.liveEntryLocked(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	entry, ok := m.liveEntryLocked(key)
	if !ok {
		return false, nil
	}
	entry.timer.Stop()
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) RemainingTTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	entry, ok := m.liveEntryLocked(key)
	if !ok {
		return 0, false, nil
	}
	return entry.expiresAt.Sub(m.clock()), true, nil
}

// Close cancels every pending expiry without notifying handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for key, entry := range m.entries {
		entry.timer.Stop()
		delete(m.entries, key)
	}
	return nil
}

// Len reports the number of stored keys, including ones whose timer is due.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) storeLocked(key string, value []byte, ttl time.Duration) {
	if previous, ok := m.entries[key]; ok {
		previous.timer.Stop()
	}
	m.generation++
	generation := m.generation
	entry := &memoryEntry{
		value:      append([]byte(nil), value...),
		expiresAt:  m.clock().Add(ttl),
		generation: generation,
	}
	entry.timer = time.AfterFunc(ttl, func() {
		m.expire(key, generation)
	})
	m.entries[key] = entry
}

// liveEntryLocked hides entries whose deadline passed but whose timer has not
// run yet; the timer still owns their removal and the expiry notification.
func (m *Memory) liveEntryLocked(key string) (*memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.clock().Before(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (m *Memory) expire(key string, generation uint64) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok || entry.generation != generation || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	m.mu.Unlock()

	m.handlers.notify(key)
}
