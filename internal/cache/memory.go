package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is a concurrent-safe in-process LRU with per-entry expiry.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      []string // LRU order: front=oldest, back=newest
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// DefaultMaxEntries bounds a Memory backend created with maxEntries <= 0.
const DefaultMaxEntries = 1024

// NewMemory creates a Memory backend holding at most maxEntries results.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Name implements Backend.
func (m *Memory) Name() string { return "memory" }

// Get implements Backend. Expired entries are dropped on read.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		m.removeFromOrder(key)
		return nil, false, nil
	}

	m.removeFromOrder(key)
	m.order = append(m.order, key)
	return entry.data, true, nil
}

// Set implements Backend, evicting the least recently used entry when full.
func (m *Memory) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memoryEntry{data: data, expiresAt: m.now().Add(ttl)}
	if _, ok := m.entries[key]; ok {
		m.entries[key] = entry
		m.removeFromOrder(key)
		m.order = append(m.order, key)
		return nil
	}

	for len(m.entries) >= m.maxEntries && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}

	m.entries[key] = entry
	m.order = append(m.order, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// MaxEntries returns the capacity.
func (m *Memory) MaxEntries() int { return m.maxEntries }

func (m *Memory) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
