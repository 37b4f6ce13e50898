package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process credential store, used in dev mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

// Lookup returns a copy of the key for id.
func (m *MemoryStore) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), key...), true, nil
}

// Store registers or replaces the key for id.
func (m *MemoryStore) Store(ctx context.Context, id string, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.keys[id]; ok {
		zeroBytes(old)
	}
	m.keys[id] = append([]byte(nil), key...)
	return nil
}

// Delete removes id.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.keys[id]; ok {
		zeroBytes(old)
		delete(m.keys, id)
	}
	return nil
}

// ListClients returns the registered IDs in order.
func (m *MemoryStore) ListClients(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
