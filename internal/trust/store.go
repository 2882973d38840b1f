// Package trust records which origins may act on behalf of which accounts.
//
// Grants for one account are stored together under a single key so that
// revoking an (account, origin) pair removes every chain family record in
// one atomic update.
package trust

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/better-wallet/wallet-core/internal/storage"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const txCountKey = "originTxCount"

func grantsKey(accountID string) string {
	return "trust:" + accountID
}

// Store is the durable Trust Store
type Store struct {
	kv  storage.KeyValueStore
	now func() time.Time

	// cache holds decoded grant lists so IsAllowed stays an in-memory read
	mu    sync.RWMutex
	cache map[string][]types.TrustGrant
}

// NewStore creates a Trust Store over kv
func NewStore(kv storage.KeyValueStore) *Store {
	return &Store{
		kv:    kv,
		now:   time.Now,
		cache: make(map[string][]types.TrustGrant),
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) grants(ctx context.Context, accountID string) ([]types.TrustGrant, error) {
	s.mu.RLock()
	cached, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[accountID]; ok {
		return cached, nil
	}
	stored, _, err := storage.GetJSON[[]types.TrustGrant](ctx, s.kv, grantsKey(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to load trust grants: %w", err)
	}
	s.cache[accountID] = stored
	return stored, nil
}

// update holds the cache lock for the whole read-modify-write so a reader
// never repopulates the cache with a value older than the store's.
func (s *Store) update(ctx context.Context, accountID string, fn func([]types.TrustGrant) []types.TrustGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next []types.TrustGrant
	err := storage.UpdateJSON(ctx, s.kv, grantsKey(accountID), func(cur []types.TrustGrant, _ bool) ([]types.TrustGrant, error) {
		next = fn(cur)
		return next, nil
	})
	if err != nil {
		delete(s.cache, accountID)
		return fmt.Errorf("failed to update trust grants: %w", err)
	}
	s.cache[accountID] = next
	return nil
}

// Get returns the grant for (account, origin, family)
func (s *Store) Get(ctx context.Context, accountID, origin string, family types.ChainFamily) (types.TrustGrant, bool, error) {
	grants, err := s.grants(ctx, accountID)
	if err != nil {
		return types.TrustGrant{}, false, err
	}
	for _, g := range grants {
		if g.Origin == origin && g.Family == family {
			return g, true, nil
		}
	}
	return types.TrustGrant{}, false, nil
}

// IsAllowed reports whether origin holds scope for the account within family.
// An empty accountID is never allowed.
func (s *Store) IsAllowed(ctx context.Context, accountID, origin string, family types.ChainFamily, scope string) (bool, error) {
	if accountID == "" || origin == "" {
		return false, nil
	}
	g, ok, err := s.Get(ctx, accountID, origin, family)
	if err != nil || !ok {
		return false, err
	}
	return g.HasScope(scope), nil
}

// Grant adds scopes for (account, origin, family). Already-held scopes are
// left as they are; connectedAt is set only on first grant.
func (s *Store) Grant(ctx context.Context, accountID, origin string, family types.ChainFamily, scopes []string) error {
	if accountID == "" || origin == "" {
		return fmt.Errorf("grant requires account and origin")
	}
	if len(scopes) == 0 {
		scopes = []string{types.ScopeConnected}
	}
	now := s.now()

	return s.update(ctx, accountID, func(cur []types.TrustGrant) []types.TrustGrant {
		next := slices.Clone(cur)
		for i := range next {
			if next[i].Origin != origin || next[i].Family != family {
				continue
			}
			merged := slices.Clone(next[i].Scopes)
			for _, sc := range scopes {
				if !slices.Contains(merged, sc) {
					merged = append(merged, sc)
				}
			}
			next[i].Scopes = merged
			next[i].LastConnectedAt = now
			return next
		}
		return append(next, types.TrustGrant{
			AccountID:       accountID,
			Origin:          origin,
			Family:          family,
			Scopes:          dedupe(scopes),
			ConnectedAt:     now,
			LastConnectedAt: now,
		})
	})
}

// Revoke removes every grant for (account, origin) across all families
func (s *Store) Revoke(ctx context.Context, accountID, origin string) error {
	return s.update(ctx, accountID, func(cur []types.TrustGrant) []types.TrustGrant {
		return slices.DeleteFunc(slices.Clone(cur), func(g types.TrustGrant) bool {
			return g.Origin == origin
		})
	})
}

// Touch refreshes lastConnectedAt of an existing grant
func (s *Store) Touch(ctx context.Context, accountID, origin string, family types.ChainFamily) error {
	now := s.now()
	return s.update(ctx, accountID, func(cur []types.TrustGrant) []types.TrustGrant {
		next := slices.Clone(cur)
		for i := range next {
			if next[i].Origin == origin && next[i].Family == family {
				next[i].LastConnectedAt = now
			}
		}
		return next
	})
}

// Origins lists the grants held for an account, most recently used first
func (s *Store) Origins(ctx context.Context, accountID string) ([]types.TrustGrant, error) {
	grants, err := s.grants(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(grants)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastConnectedAt.After(out[j].LastConnectedAt)
	})
	return out, nil
}

// IncrementTxCount bumps the per-origin transaction counter and returns the new value
func (s *Store) IncrementTxCount(ctx context.Context, origin string) (int, error) {
	var count int
	err := storage.UpdateJSON(ctx, s.kv, txCountKey, func(cur map[string]int, _ bool) (map[string]int, error) {
		if cur == nil {
			cur = make(map[string]int)
		}
		cur[origin]++
		count = cur[origin]
		return cur, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update tx counter: %w", err)
	}
	return count, nil
}

// TxCount returns the number of successful sign/execute operations for origin
func (s *Store) TxCount(ctx context.Context, origin string) (int, error) {
	counts, _, err := storage.GetJSON[map[string]int](ctx, s.kv, txCountKey)
	if err != nil {
		return 0, err
	}
	return counts[origin], nil
}

func dedupe(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Forget drops every grant held for an account. Used when the account is deleted.
func (s *Store) Forget(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, accountID)
	if err := s.kv.Delete(ctx, grantsKey(accountID)); err != nil {
		return fmt.Errorf("failed to delete trust grants: %w", err)
	}
	return nil
}
