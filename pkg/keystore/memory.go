package keystore

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	meta Entry
	key  []byte
}

// MemoryStore is an in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
	stats   Stats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// StoreKey implements Keystore.
func (m *MemoryStore) StoreKey(alias string, key []byte, keyType KeyType, description string) error {
	if err := checkStore(alias, key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrLocked
	}

	version := uint32(1)
	if old, ok := m.entries[alias]; ok {
		version = old.meta.Version + 1
		Zero(old.key)
	}
	m.entries[alias] = &memoryEntry{
		meta: Entry{
			Alias:       alias,
			Type:        keyType,
			Description: description,
			Version:     version,
			CreatedAt:   time.Now(),
		},
		key: slices.Clone(key),
	}
	m.stats.KeysStored++
	return nil
}

// RetrieveKey implements Keystore.
func (m *MemoryStore) RetrieveKey(alias string) ([]byte, error) {
	if alias == "" {
		return nil, ErrAliasEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrLocked
	}

	e, ok := m.entries[alias]
	if !ok {
		m.stats.Misses++
		return nil, ErrKeyNotFound
	}
	m.stats.KeysRetrieved++
	return slices.Clone(e.key), nil
}

// ListKeys implements Store.
func (m *MemoryStore) ListKeys() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrLocked
	}

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.meta)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Alias, b.Alias) })
	return out, nil
}

// DeleteKey implements Store.
func (m *MemoryStore) DeleteKey(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrLocked
	}
	if e, ok := m.entries[alias]; ok {
		Zero(e.key)
		delete(m.entries, alias)
		m.stats.KeysDeleted++
	}
	return nil
}

// Close wipes all keys. Further operations fail with ErrLocked.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for alias, e := range m.entries {
		Zero(e.key)
		delete(m.entries, alias)
	}
	m.closed = true
	return nil
}

// Stats returns operation counters.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
