// File: fake/storage.go

package fake

import (
	"sort"
	"sync"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// MemEntry is a map-backed storage entry.
type MemEntry struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ api.StorageEntry = (*MemEntry)(nil)

// NewMemEntry returns an empty entry.
func NewMemEntry() *MemEntry {
	return &MemEntry{data: make(map[string]string)}
}

func (m *MemEntry) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemEntry) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemEntry) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemEntry) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// MemHub is a storage creator handing out named MemEntry instances. Opening
// the same name twice returns the same entry.
type MemHub struct {
	mu      sync.Mutex
	entries map[string]*MemEntry
}

var _ api.StorageCreator = (*MemHub)(nil)

// NewMemHub returns an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{entries: make(map[string]*MemEntry)}
}

func (h *MemHub) Open(name string) (api.StorageEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[name]; ok {
		return e, nil
	}
	e := NewMemEntry()
	h.entries[name] = e
	return e, nil
}

// Entry exposes a named entry for test assertions, nil if never opened.
func (h *MemHub) Entry(name string) *MemEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[name]
}
