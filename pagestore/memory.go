package pagestore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory PageStore. It is the default backing store and
// is also used by tests. Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu    sync.RWMutex
	pages map[PageID][]byte
}

// NewMemoryStore creates a new in-memory page store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages: make(map[PageID][]byte),
	}
}

// ReadPage returns the stored bytes for the page.
func (m *MemoryStore) ReadPage(_ context.Context, id PageID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.pages[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent external mutation.
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// WritePage stores the page bytes, replacing any previous content.
func (m *MemoryStore) WritePage(_ context.Context, id PageID, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[id] = copied
	return nil
}

// DeletePage removes the page.
func (m *MemoryStore) DeletePage(_ context.Context, id PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	return nil
}

// Len returns the number of stored pages.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
