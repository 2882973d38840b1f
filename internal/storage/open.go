package storage

import (
	"context"
	"fmt"
)

// Open returns the KeyValueStore selected by backend. The returned closer
// releases every resource the backend holds.
func Open(ctx context.Context, backend, badgerDir, postgresDSN string) (KeyValueStore, func(), error) {
	switch backend {
	case "memory":
		s := NewMemoryStore()
		return s, func() {}, nil

	case "badger", "":
		s, err := NewBadgerStore(badgerDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		db, err := New(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresKV(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
