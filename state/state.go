package state

import (
	"sort"
	"sync"
)

type Snapshot struct {
	Seen int
}

// MemoryTracker remembers keys seen during one run. Keys are compared as exact strings.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]struct{})}
}

// MarkSeen records key and reports whether it was new.
func (m *MemoryTracker) MarkSeen(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false
	}
	m.seen[key] = struct{}{}
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}

// Sorted returns all seen keys in ascending order.
func (m *MemoryTracker) Sorted() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.seen))
	for k := range m.seen {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
