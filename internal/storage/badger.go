package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/timshannon/badgerhold/v4"
)

const maxUpdateRetries = 8

type kvRecord struct {
	Value []byte
}

// BadgerStore is the embedded KeyValueStore backend
type BadgerStore struct {
	notifier
	updateMu sync.Mutex
	store    *badgerhold.Store
}

// NewBadgerStore opens (or creates if not exists) a badger database in dir.
// An empty dir opens an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = badgerLogger{slog.Default().With("component", "badger")}

	store, err := badgerhold.Open(badgerhold.Options{
		Encoder:          jsonEncode,
		Decoder:          jsonDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &BadgerStore{store: store}, nil
}

func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var rec kvRecord
	if err := b.store.Get(key, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return rec.Value, nil
}

func (b *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := b.store.Upsert(key, kvRecord{Value: value}); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	b.notify(key, value)
	return nil
}

func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := b.store.Delete(key, kvRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	b.notify(key, nil)
	return nil
}

// Update runs fn inside a badger read-write transaction. Updates from this
// process are serialized; conflicts with blind writes are retried.
func (b *BadgerStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var next []byte
		err := b.store.Badger().Update(func(txn *badger.Txn) error {
			var rec kvRecord
			var current []byte
			if err := b.store.TxGet(txn, key, &rec); err == nil {
				current = rec.Value
			} else if !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}

			n, err := fn(current)
			if err != nil {
				return err
			}
			next = n

			if n == nil {
				if current == nil {
					return nil
				}
				return b.store.TxDelete(txn, key, kvRecord{})
			}
			return b.store.TxUpsert(txn, key, kvRecord{Value: n})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", key, err)
		}

		b.notify(key, next)
		return nil
	}
	return fmt.Errorf("failed to update %s: too many conflicts", key)
}

func (b *BadgerStore) Close() error {
	return b.store.Close()
}

func jsonEncode(value interface{}) ([]byte, error) {
	var buff bytes.Buffer
	if err := json.NewEncoder(&buff).Encode(value); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

func jsonDecode(data []byte, value interface{}) error {
	return json.NewDecoder(bytes.NewReader(data)).Decode(value)
}

// badgerLogger routes badger's internal logging through slog
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

var _ KeyValueStore = (*BadgerStore)(nil)
