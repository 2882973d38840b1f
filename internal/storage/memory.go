package storage

import (
	"context"
	"sync"
)

// MemoryStore is a process-local KeyValueStore used in tests and with
// STORAGE_BACKEND=memory.
type MemoryStore struct {
	notifier
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = clone(value)
	m.mu.Unlock()

	m.notify(key, value)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.notify(key, nil)
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	next, err := fn(clone(m.data[key]))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(next)
	}
	m.mu.Unlock()

	m.notify(key, next)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Keys returns a snapshot of the stored keys
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ KeyValueStore = (*MemoryStore)(nil)
