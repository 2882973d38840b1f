// Package aggregator refreshes cached balances and staking positions of
// account addresses across chains.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/storage"
	"github.com/better-wallet/wallet-core/pkg/types"
)

func balancesKey(accountID string) string {
	return accountID + "-balances"
}

func delegationsKey(accountID string) string {
	return accountID + "-delegations"
}

// Addresses lists the derived addresses of an account. The account
// manager satisfies it.
type Addresses interface {
	Addresses(ctx context.Context, acct types.Account) ([]types.AccountAddress, error)
}

// Observer is told the outcome of every fetch
type Observer interface {
	ObserveFetch(family types.ChainFamily, kind string, err error, took time.Duration)
}

// Config wires an Aggregator
type Config struct {
	Store     storage.KeyValueStore
	Chains    *chain.Registry
	Adapters  adapter.Set
	Addresses Addresses
	Observer  Observer
	// Concurrency bounds the workers of each family
	Concurrency int
	// RateLimit caps outbound requests per second of each family, 0 disables
	RateLimit int
	// Timeout bounds one attempt against one endpoint
	Timeout time.Duration
}

// Aggregator fans fetches out over per-family worker pools and merges the
// results into the store. One family's slow endpoints never hold up another.
type Aggregator struct {
	kv        storage.KeyValueStore
	chains    *chain.Registry
	adapters  adapter.Set
	addresses Addresses
	observer  Observer
	timeout   time.Duration

	pools map[types.ChainFamily]*pool
	now   func() time.Time
}

type pool struct {
	limit   int
	limiter ratelimit.Limiter
}

// New creates an Aggregator
func New(cfg Config) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	pools := make(map[types.ChainFamily]*pool)
	for _, f := range types.AllFamilies() {
		p := &pool{limit: cfg.Concurrency, limiter: ratelimit.NewUnlimited()}
		if cfg.RateLimit > 0 {
			p.limiter = ratelimit.New(cfg.RateLimit)
		}
		pools[f] = p
	}
	return &Aggregator{
		kv:        cfg.Store,
		chains:    cfg.Chains,
		adapters:  cfg.Adapters,
		addresses: cfg.Addresses,
		observer:  cfg.Observer,
		timeout:   cfg.Timeout,
		pools:     pools,
		now:       time.Now,
	}
}

// SetClock replaces the record timestamp source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// target is one (chain, address) tuple to refresh
type target struct {
	chain   chain.Descriptor
	address string
}

type batch struct {
	mu          sync.Mutex
	balances    []types.BalanceRecord
	delegations []types.DelegationRecord
	// fetched (chain, address) tuples, whose cached records are replaced
	balanceScopes map[string]bool
	stakeScopes   map[string]bool
}

func newBatch() *batch {
	return &batch{balanceScopes: make(map[string]bool), stakeScopes: make(map[string]bool)}
}

func scopeKey(family types.ChainFamily, chainID, address string) string {
	return string(family) + "|" + chainID + "|" + strings.ToLower(address)
}

// Refresh recomputes every cached tuple of acct on active chains
func (a *Aggregator) Refresh(ctx context.Context, acct types.Account) error {
	addrs, err := a.addresses.Addresses(ctx, acct)
	if err != nil {
		return fmt.Errorf("failed to list addresses: %w", err)
	}

	var targets []target
	seen := make(map[string]bool)
	for _, addr := range addrs {
		d, ok := a.chains.Resolve(addr.Family, addr.ChainID)
		if !ok || d.Inactive {
			continue
		}
		// several account types may resolve to one address
		key := d.ID + "|" + addr.Address
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, target{chain: d, address: addr.Address})
	}

	start := time.Now()
	if err := a.run(ctx, acct.ID, targets); err != nil {
		return err
	}
	logger.Debug(ctx, "balances refreshed",
		"account_id", acct.ID,
		"targets", len(targets),
		"took", time.Since(start),
	)
	return nil
}

// RefreshScoped recomputes only the tuples of one (account, chain, address).
// Records of other chains and addresses are left untouched.
func (a *Aggregator) RefreshScoped(ctx context.Context, accountID string, d chain.Descriptor, address string) error {
	return a.run(ctx, accountID, []target{{chain: d, address: address}})
}

// run fetches every target through its family's pool and merges the batch
func (a *Aggregator) run(ctx context.Context, accountID string, targets []target) error {
	byFamily := make(map[types.ChainFamily][]target)
	for _, t := range targets {
		byFamily[t.chain.Family] = append(byFamily[t.chain.Family], t)
	}

	b := newBatch()
	var families errgroup.Group
	for family, ts := range byFamily {
		p, ok := a.pools[family]
		if !ok {
			continue
		}
		families.Go(func() error {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(p.limit)
			for _, t := range ts {
				g.Go(func() error {
					a.fetch(gctx, p, accountID, t, b)
					return nil
				})
			}
			return g.Wait()
		})
	}
	_ = families.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.merge(ctx, accountID, b)
}

// fetch reads balances and staking of one target. Failures become zero
// records so the next cycle retries without leaving stale amounts behind.
func (a *Aggregator) fetch(ctx context.Context, p *pool, accountID string, t target, b *batch) {
	ad, err := a.adapters.Get(t.chain.Family)
	if err != nil {
		logger.Warn(ctx, "no adapter for chain", "chain_id", t.chain.ChainID, "error", err)
		return
	}
	now := a.now()

	if bf, ok := ad.(adapter.BalanceFetcher); ok {
		tokens, err := a.chains.Tokens(ctx, t.chain.Family, t.chain.ChainID)
		if err != nil {
			logger.Warn(ctx, "failed to read token list", "chain_id", t.chain.ChainID, "error", err)
		}
		p.limiter.Take()
		start := time.Now()
		fctx, cancel := context.WithTimeout(ctx, a.budget(t.chain))
		balances, err := bf.FetchBalances(fctx, t.chain, t.address, tokens)
		cancel()
		a.observe(t.chain.Family, "balance", err, time.Since(start))
		if err != nil {
			logger.Warn(ctx, "balance fetch failed",
				"chain_family", t.chain.Family,
				"chain_id", t.chain.ChainID,
				"error", err,
			)
			balances = zeroBalances(t.chain, tokens)
		}
		recs := make([]types.BalanceRecord, 0, len(balances))
		for _, bal := range balances {
			recs = append(recs, types.BalanceRecord{
				AccountID: accountID,
				ChainID:   t.chain.ChainID,
				Family:    t.chain.Family,
				Address:   t.address,
				AssetID:   bal.AssetID,
				Coins:     bal.Coins,
				Locked:    bal.Locked,
				UpdatedAt: now,
			})
		}
		b.mu.Lock()
		b.balances = append(b.balances, recs...)
		b.balanceScopes[scopeKey(t.chain.Family, t.chain.ChainID, t.address)] = true
		b.mu.Unlock()
	}

	sf, ok := ad.(adapter.StakingFetcher)
	if !ok || !t.chain.SupportsStaking {
		return
	}
	p.limiter.Take()
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, a.budget(t.chain))
	stakes, err := sf.FetchStaking(fctx, t.chain, t.address)
	cancel()
	a.observe(t.chain.Family, "staking", err, time.Since(start))
	if err != nil {
		logger.Warn(ctx, "staking fetch failed",
			"chain_family", t.chain.Family,
			"chain_id", t.chain.ChainID,
			"error", err,
		)
		stakes = zeroStakes()
	}
	recs := make([]types.DelegationRecord, 0, len(stakes))
	for _, s := range stakes {
		recs = append(recs, types.DelegationRecord{
			AccountID: accountID,
			ChainID:   t.chain.ChainID,
			Family:    t.chain.Family,
			Address:   t.address,
			Kind:      s.Kind,
			Entries:   s.Entries,
			Total:     s.Total,
			UpdatedAt: now,
		})
	}
	b.mu.Lock()
	b.delegations = append(b.delegations, recs...)
	b.stakeScopes[scopeKey(t.chain.Family, t.chain.ChainID, t.address)] = true
	b.mu.Unlock()
}

// budget bounds one fetch. Adapters that fail over endpoint by endpoint
// give each attempt a full timeout, so the whole fetch gets one per endpoint.
func (a *Aggregator) budget(d chain.Descriptor) time.Duration {
	n := max(len(d.Endpoints), len(d.LCDEndpoints), 1)
	return a.timeout * time.Duration(n)
}

func (a *Aggregator) observe(family types.ChainFamily, kind string, err error, took time.Duration) {
	if a.observer != nil {
		a.observer.ObserveFetch(family, kind, err, took)
	}
}

func zeroBalances(d chain.Descriptor, tokens []chain.Token) []adapter.Balance {
	out := []adapter.Balance{{Coins: []types.Coin{{Denom: d.MainAssetDenom, Amount: "0"}}}}
	for _, t := range tokens {
		out = append(out, adapter.Balance{AssetID: t.Contract, Coins: []types.Coin{{Denom: t.Symbol, Amount: "0"}}})
	}
	return out
}

func zeroStakes() []adapter.Stake {
	return []adapter.Stake{
		{Kind: types.StakeDelegation},
		{Kind: types.StakeUnbonding},
		{Kind: types.StakeReward},
	}
}

// merge replaces every cached record of the fetched (chain, address) tuples
// with the batch. Records of tuples outside the batch are kept as they are.
func (a *Aggregator) merge(ctx context.Context, accountID string, b *batch) error {
	if len(b.balanceScopes) > 0 {
		if err := storage.UpdateJSON(ctx, a.kv, balancesKey(accountID), func(cur []types.BalanceRecord, _ bool) ([]types.BalanceRecord, error) {
			scope := func(r types.BalanceRecord) string { return scopeKey(r.Family, r.ChainID, r.Address) }
			return replaceScoped(cur, b.balances, b.balanceScopes, scope, types.BalanceRecord.Key), nil
		}); err != nil {
			return fmt.Errorf("failed to store balances: %w", err)
		}
	}
	if len(b.stakeScopes) > 0 {
		if err := storage.UpdateJSON(ctx, a.kv, delegationsKey(accountID), func(cur []types.DelegationRecord, _ bool) ([]types.DelegationRecord, error) {
			scope := func(r types.DelegationRecord) string { return scopeKey(r.Family, r.ChainID, r.Address) }
			return replaceScoped(cur, b.delegations, b.stakeScopes, scope, types.DelegationRecord.Key), nil
		}); err != nil {
			return fmt.Errorf("failed to store delegations: %w", err)
		}
	}
	return nil
}

// replaceScoped drops every record of cur whose scope was fetched and puts
// fresh in its place. A record still present keeps its position.
func replaceScoped[T any](cur, fresh []T, scopes map[string]bool, scope, key func(T) string) []T {
	byKey := make(map[string]T, len(fresh))
	for _, r := range fresh {
		byKey[key(r)] = r
	}
	placed := make(map[string]bool, len(fresh))
	out := make([]T, 0, len(cur)+len(fresh))
	for _, r := range cur {
		if !scopes[scope(r)] {
			out = append(out, r)
			continue
		}
		k := key(r)
		if f, ok := byKey[k]; ok && !placed[k] {
			out = append(out, f)
			placed[k] = true
		}
	}
	for _, r := range fresh {
		k := key(r)
		if placed[k] {
			continue
		}
		placed[k] = true
		out = append(out, byKey[k])
	}
	return out
}

// Balances returns the cached balances of an account
func (a *Aggregator) Balances(ctx context.Context, accountID string) ([]types.BalanceRecord, error) {
	recs, _, err := storage.GetJSON[[]types.BalanceRecord](ctx, a.kv, balancesKey(accountID))
	return recs, err
}

// Delegations returns the cached staking records of an account
func (a *Aggregator) Delegations(ctx context.Context, accountID string) ([]types.DelegationRecord, error) {
	recs, _, err := storage.GetJSON[[]types.DelegationRecord](ctx, a.kv, delegationsKey(accountID))
	return recs, err
}

// Totals sums the cached balances of an account on one chain per denom,
// across every address the account holds there.
func (a *Aggregator) Totals(ctx context.Context, accountID, chainID string) ([]types.Coin, error) {
	recs, err := a.Balances(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]decimal.Decimal)
	var order []string
	for _, r := range recs {
		if r.ChainID != chainID {
			continue
		}
		for _, c := range r.Coins {
			amt, err := decimal.NewFromString(c.Amount)
			if err != nil {
				return nil, fmt.Errorf("bad cached amount %q for %s: %w", c.Amount, c.Denom, err)
			}
			if _, ok := sums[c.Denom]; !ok {
				order = append(order, c.Denom)
			}
			sums[c.Denom] = sums[c.Denom].Add(amt)
		}
	}
	out := make([]types.Coin, 0, len(order))
	for _, denom := range order {
		out = append(out, types.Coin{Denom: denom, Amount: sums[denom].String()})
	}
	return out, nil
}

// Forget drops every cached record of an account
func (a *Aggregator) Forget(ctx context.Context, accountID string) error {
	if err := a.kv.Delete(ctx, balancesKey(accountID)); err != nil {
		return err
	}
	return a.kv.Delete(ctx, delegationsKey(accountID))
}
