package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KeyValueStore {
	t.Helper()

	badgerStore, err := NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]KeyValueStore{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestKeyValueStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Set(ctx, "k", []byte("v1")))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)

			require.NoError(t, s.Set(ctx, "k", []byte("v2")))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), v)

			require.NoError(t, s.Delete(ctx, "k"))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Nil(t, v)

			// deleting a missing key is not an error
			require.NoError(t, s.Delete(ctx, "k"))
		})
	}
}

func TestKeyValueStore_Update(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("creates when absent", func(t *testing.T) {
				err := s.Update(ctx, "u", func(cur []byte) ([]byte, error) {
					assert.Nil(t, cur)
					return []byte("a"), nil
				})
				require.NoError(t, err)

				v, _ := s.Get(ctx, "u")
				assert.Equal(t, []byte("a"), v)
			})

			t.Run("fn error leaves value", func(t *testing.T) {
				err := s.Update(ctx, "u", func(cur []byte) ([]byte, error) {
					return nil, errors.New("abort")
				})
				require.Error(t, err)

				v, _ := s.Get(ctx, "u")
				assert.Equal(t, []byte("a"), v)
			})

			t.Run("nil result deletes", func(t *testing.T) {
				err := s.Update(ctx, "u", func(cur []byte) ([]byte, error) {
					assert.Equal(t, []byte("a"), cur)
					return nil, nil
				})
				require.NoError(t, err)

				v, _ := s.Get(ctx, "u")
				assert.Nil(t, v)
			})
		})
	}
}

func TestKeyValueStore_ConcurrentUpdateJSON(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					err := UpdateJSON(ctx, s, "set", func(cur map[string]bool, _ bool) (map[string]bool, error) {
						if cur == nil {
							cur = map[string]bool{}
						}
						cur[fmt.Sprintf("item-%d", i)] = true
						return cur, nil
					})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			got, found, err := GetJSON[map[string]bool](ctx, s, "set")
			require.NoError(t, err)
			require.True(t, found)
			assert.Len(t, got, 20)
		})
	}
}

func TestKeyValueStore_OnChange(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var mu sync.Mutex
			var events []string
			unsubscribe := s.OnChange(func(key string, value []byte) {
				mu.Lock()
				defer mu.Unlock()
				events = append(events, fmt.Sprintf("%s=%s", key, value))
			})

			require.NoError(t, s.Set(ctx, "a", []byte("1")))
			require.NoError(t, s.Delete(ctx, "a"))
			unsubscribe()
			require.NoError(t, s.Set(ctx, "b", []byte("2")))

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []string{"a=1", "a="}, events)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type record struct {
		Name string `json:"name"`
	}

	_, found, err := GetJSON[record](ctx, s, "r")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, s, "r", record{Name: "x"}))
	got, found, err := GetJSON[record](ctx, s, "r")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", got.Name)

	require.NoError(t, s.Set(ctx, "bad", []byte("{")))
	_, _, err = GetJSON[record](ctx, s, "bad")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, "memory", "", "")
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MemoryStore{}, s)

	_, _, err = Open(ctx, "etcd", "", "")
	assert.Error(t, err)
}
