package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Listener is notified after a key is written or deleted. value is nil on delete.
type Listener func(key string, value []byte)

// KeyValueStore is the durable persistence contract. Every grant, account,
// address cache and balance cache goes through it as a serialized record.
// Get returns (nil, nil) when the key does not exist.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update atomically replaces the value of key with fn(current). fn receives
	// nil when the key does not exist. Returning nil from fn deletes the key.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	OnChange(listener Listener) (unsubscribe func())
	Close() error
}

// notifier fans change events out to registered listeners
type notifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

func (n *notifier) OnChange(listener Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[int]Listener)
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = listener

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *notifier) notify(key string, value []byte) {
	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.RUnlock()

	for _, l := range listeners {
		l(key, value)
	}
}

// GetJSON loads and decodes the record stored at key. found is false when
// the key does not exist.
func GetJSON[T any](ctx context.Context, s KeyValueStore, key string) (value T, found bool, err error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return value, false, err
	}
	if raw == nil {
		return value, false, nil
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return value, true, nil
}

// SetJSON encodes value and stores it at key
func SetJSON[T any](ctx context.Context, s KeyValueStore, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// UpdateJSON is the typed form of KeyValueStore.Update
func UpdateJSON[T any](ctx context.Context, s KeyValueStore, key string, fn func(current T, found bool) (T, error)) error {
	return s.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var current T
		found := raw != nil
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}
		next, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}
