package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/storage"
	"github.com/better-wallet/wallet-core/pkg/types"
	"github.com/better-wallet/wallet-core/tests/mocks"
)

type fixedAddresses struct {
	addrs []types.AccountAddress
	err   error
}

func (f fixedAddresses) Addresses(context.Context, types.Account) ([]types.AccountAddress, error) {
	return f.addrs, f.err
}

type currentAccount struct {
	acct types.Account
	ok   bool
}

func (c currentAccount) Current(context.Context) (types.Account, bool, error) {
	return c.acct, c.ok, nil
}

var fixedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, addrs []types.AccountAddress, adapters ...adapter.ChainAdapter) (*Aggregator, *chain.Registry, *storage.MemoryStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	reg := chain.NewRegistry(kv, chain.Defaults())
	require.NoError(t, reg.Load(context.Background()))
	agg := New(Config{
		Store:       kv,
		Chains:      reg,
		Adapters:    adapter.NewSet(adapters...),
		Addresses:   fixedAddresses{addrs: addrs},
		Concurrency: 2,
		Timeout:     time.Second,
	})
	agg.SetClock(func() time.Time { return fixedTime })
	return agg, reg, kv
}

func coin(denom, amount string) []types.Coin {
	return []types.Coin{{Denom: denom, Amount: amount}}
}

func TestRefresh_FullRefresh(t *testing.T) {
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(_ context.Context, d chain.Descriptor, _ string) ([]adapter.Balance, error) {
		return []adapter.Balance{{Coins: coin(d.MainAssetDenom, "100")}}, nil
	}
	cosmos := mocks.NewAdapter(types.FamilyCosmos)
	cosmos.BalanceFunc = func(_ context.Context, d chain.Descriptor, _ string) ([]adapter.Balance, error) {
		return []adapter.Balance{{Coins: coin(d.MainAssetDenom, "7")}}, nil
	}
	cosmos.StakingFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Stake, error) {
		return []adapter.Stake{{
			Kind:    types.StakeDelegation,
			Entries: []types.StakeEntry{{Validator: "cosmosvaloper1x", Coins: coin("uatom", "5")}},
			Total:   coin("uatom", "5"),
		}}, nil
	}

	addrs := []types.AccountAddress{
		{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xaaa"},
		{AccountID: "a1", ChainID: "0x89", Family: types.FamilyEVM, Address: "0xaaa"},
		// a second account type resolving to the same address
		{AccountID: "a1", ChainID: "0x89", Family: types.FamilyEVM, Address: "0xaaa"},
		{AccountID: "a1", ChainID: "cosmoshub-4", Family: types.FamilyCosmos, Address: "cosmos1abc"},
		{AccountID: "a1", ChainID: "unknown-chain", Family: types.FamilyCosmos, Address: "x1abc"},
	}
	agg, _, _ := setup(t, addrs, evm, cosmos)
	ctx := context.Background()

	require.NoError(t, agg.Refresh(ctx, types.Account{ID: "a1"}))

	balances, err := agg.Balances(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, balances, 3)
	byChain := map[string]types.BalanceRecord{}
	for _, b := range balances {
		byChain[b.ChainID] = b
		assert.Equal(t, fixedTime, b.UpdatedAt)
	}
	assert.Equal(t, coin("ETH", "100"), byChain["0x1"].Coins)
	assert.Equal(t, coin("POL", "100"), byChain["0x89"].Coins)
	assert.Equal(t, coin("uatom", "7"), byChain["cosmoshub-4"].Coins)

	delegations, err := agg.Delegations(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, delegations, 1, "only staking chains are queried")
	assert.Equal(t, types.StakeDelegation, delegations[0].Kind)
	assert.Equal(t, "cosmoshub-4", delegations[0].ChainID)
}

func TestRefresh_FailureBecomesZero(t *testing.T) {
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(_ context.Context, d chain.Descriptor, _ string) ([]adapter.Balance, error) {
		if d.ChainID == "0x1" {
			return nil, errors.New("all endpoints down")
		}
		return []adapter.Balance{{Coins: coin(d.MainAssetDenom, "3")}}, nil
	}
	cosmos := mocks.NewAdapter(types.FamilyCosmos)
	cosmos.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		return []adapter.Balance{{Coins: coin("uatom", "9")}}, nil
	}
	cosmos.StakingFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Stake, error) {
		return nil, errors.New("lcd timeout")
	}

	addrs := []types.AccountAddress{
		{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xaaa"},
		{AccountID: "a1", ChainID: "0x89", Family: types.FamilyEVM, Address: "0xaaa"},
		{AccountID: "a1", ChainID: "cosmoshub-4", Family: types.FamilyCosmos, Address: "cosmos1abc"},
	}
	agg, reg, _ := setup(t, addrs, evm, cosmos)
	ctx := context.Background()
	_, err := reg.AddTokens(ctx, chain.Token{Family: types.FamilyEVM, ChainID: "0x1", Contract: "0xdac17f958d2ee523a2206206994597c13d831ec7", Symbol: "USDT", Decimals: 6})
	require.NoError(t, err)

	// stale amounts from an earlier cycle
	require.NoError(t, storage.SetJSON(ctx, agg.kv, balancesKey("a1"), []types.BalanceRecord{
		{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xaaa", Coins: coin("ETH", "55")},
	}))

	require.NoError(t, agg.Refresh(ctx, types.Account{ID: "a1"}), "one failing chain does not fail the batch")

	balances, err := agg.Balances(ctx, "a1")
	require.NoError(t, err)
	got := map[string][]types.Coin{}
	for _, b := range balances {
		got[b.ChainID+"/"+b.AssetID] = b.Coins
	}
	assert.Equal(t, coin("ETH", "0"), got["0x1/"], "stale amount replaced by zero")
	assert.Equal(t, coin("USDT", "0"), got["0x1/0xdac17f958d2ee523a2206206994597c13d831ec7"])
	assert.Equal(t, coin("POL", "3"), got["0x89/"])
	assert.Equal(t, coin("uatom", "9"), got["cosmoshub-4/"])

	delegations, err := agg.Delegations(ctx, "a1")
	require.NoError(t, err)
	kinds := []string{}
	for _, d := range delegations {
		kinds = append(kinds, d.Kind)
		assert.Empty(t, d.Entries)
	}
	assert.ElementsMatch(t, []string{types.StakeDelegation, types.StakeUnbonding, types.StakeReward}, kinds)
}

func TestRefreshScoped_UpsertIsolation(t *testing.T) {
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		return []adapter.Balance{{Coins: coin("ETH", "42")}}, nil
	}
	agg, reg, _ := setup(t, nil, evm)
	ctx := context.Background()

	existing := []types.BalanceRecord{
		{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xAAA", Coins: coin("ETH", "1")},
		{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xbbb", Coins: coin("ETH", "2")},
		{AccountID: "a1", ChainID: "0x89", Family: types.FamilyEVM, Address: "0xaaa", Coins: coin("POL", "3")},
		{AccountID: "a1", ChainID: "cosmoshub-4", Family: types.FamilyCosmos, Address: "cosmos1abc", Coins: coin("uatom", "4")},
	}
	require.NoError(t, storage.SetJSON(ctx, agg.kv, balancesKey("a1"), existing))

	eth, ok := reg.Resolve(types.FamilyEVM, "0x1")
	require.True(t, ok)
	require.NoError(t, agg.RefreshScoped(ctx, "a1", eth, "0xaaa"))

	balances, err := agg.Balances(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, balances, 4, "the tuple is updated in place")
	assert.Equal(t, coin("ETH", "42"), balances[0].Coins, "address matches case-insensitively")
	for i := 1; i < 4; i++ {
		assert.Equal(t, existing[i], balances[i], "unrelated record %d untouched", i)
	}
}

func TestRefresh_FetchReplacesEveryAssetOfTheTuple(t *testing.T) {
	var round int32
	sui := mocks.NewAdapter(types.FamilySui)
	sui.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		switch atomic.AddInt32(&round, 1) {
		case 1:
			return []adapter.Balance{
				{AssetID: "0x2::sui::SUI", Coins: coin("0x2::sui::SUI", "10")},
				{AssetID: "0x5::usdc::USDC", Coins: coin("0x5::usdc::USDC", "500")},
			}, nil
		case 2:
			return nil, errors.New("fullnode unreachable")
		default:
			return []adapter.Balance{{AssetID: "0x2::sui::SUI", Coins: coin("0x2::sui::SUI", "9")}}, nil
		}
	}
	agg, reg, _ := setup(t, nil, sui)
	ctx := context.Background()

	other := types.BalanceRecord{AccountID: "a1", ChainID: "sui:testnet", Family: types.FamilySui, Address: "0xabc", AssetID: "0x5::usdc::USDC", Coins: coin("0x5::usdc::USDC", "7")}
	require.NoError(t, storage.SetJSON(ctx, agg.kv, balancesKey("a1"), []types.BalanceRecord{other}))

	mainnet, ok := reg.Resolve(types.FamilySui, "sui:mainnet")
	require.True(t, ok)
	assets := func() map[string][]types.Coin {
		recs, err := agg.Balances(ctx, "a1")
		require.NoError(t, err)
		out := map[string][]types.Coin{}
		for _, r := range recs {
			if r.ChainID == mainnet.ChainID {
				out[r.AssetID] = r.Coins
			}
		}
		return out
	}

	require.NoError(t, agg.RefreshScoped(ctx, "a1", mainnet, "0xabc"))
	assert.Len(t, assets(), 2)

	tests := []struct {
		name string
		want map[string][]types.Coin
	}{
		{name: "failure leaves no stale asset", want: map[string][]types.Coin{"": coin("0x2::sui::SUI", "0")}},
		{name: "spent coin disappears", want: map[string][]types.Coin{"0x2::sui::SUI": coin("0x2::sui::SUI", "9")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, agg.RefreshScoped(ctx, "a1", mainnet, "0xabc"))
			assert.Equal(t, tt.want, assets())
		})
	}

	recs, err := agg.Balances(ctx, "a1")
	require.NoError(t, err)
	assert.Contains(t, recs, other, "other chains keep their records")
}

func TestRefresh_PoolLimit(t *testing.T) {
	var inFlight, peak int32
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}

	var addrs []types.AccountAddress
	for _, id := range []string{"0x1", "0xaa36a7", "0x89", "0x38"} {
		for _, a := range []string{"0x01", "0x02"} {
			addrs = append(addrs, types.AccountAddress{AccountID: "a1", ChainID: id, Family: types.FamilyEVM, Address: a})
		}
	}
	agg, _, _ := setup(t, addrs, evm)

	require.NoError(t, agg.Refresh(context.Background(), types.Account{ID: "a1"}))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRefresh_FamiliesIndependent(t *testing.T) {
	release := make(chan struct{})
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(ctx context.Context, _ chain.Descriptor, _ string) ([]adapter.Balance, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
	var cosmosDone sync.WaitGroup
	cosmosDone.Add(2)
	cosmos := mocks.NewAdapter(types.FamilyCosmos)
	cosmos.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		defer cosmosDone.Done()
		return []adapter.Balance{{Coins: coin("uatom", "1")}}, nil
	}

	var addrs []types.AccountAddress
	for _, a := range []string{"0x01", "0x02", "0x03"} {
		addrs = append(addrs, types.AccountAddress{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: a})
	}
	addrs = append(addrs,
		types.AccountAddress{AccountID: "a1", ChainID: "cosmoshub-4", Family: types.FamilyCosmos, Address: "cosmos1a"},
		types.AccountAddress{AccountID: "a1", ChainID: "osmosis-1", Family: types.FamilyCosmos, Address: "osmo1a"},
	)
	agg, _, _ := setup(t, addrs, evm, cosmos)

	done := make(chan error, 1)
	go func() { done <- agg.Refresh(context.Background(), types.Account{ID: "a1"}) }()

	finished := make(chan struct{})
	go func() { cosmosDone.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("cosmos fetches were starved by a stuck evm pool")
	}
	close(release)
	require.NoError(t, <-done)
}

func TestTotals(t *testing.T) {
	agg, _, _ := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, storage.SetJSON(ctx, agg.kv, balancesKey("a1"), []types.BalanceRecord{
		{AccountID: "a1", ChainID: "bitcoin", Address: "bc1a", Coins: coin("sat", "150000000")},
		{AccountID: "a1", ChainID: "bitcoin", Address: "bc1b", Coins: coin("sat", "0.5")},
		{AccountID: "a1", ChainID: "bitcoin", Address: "bc1c", Coins: []types.Coin{{Denom: "sat", Amount: "1"}, {Denom: "rune", Amount: "2"}}},
		{AccountID: "a1", ChainID: "0x1", Address: "0xa", Coins: coin("ETH", "9")},
	}))

	got, err := agg.Totals(ctx, "a1", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, []types.Coin{{Denom: "sat", Amount: "150000001.5"}, {Denom: "rune", Amount: "2"}}, got)

	require.NoError(t, storage.SetJSON(ctx, agg.kv, balancesKey("a2"), []types.BalanceRecord{
		{AccountID: "a2", ChainID: "bitcoin", Coins: coin("sat", "lots")},
	}))
	_, err = agg.Totals(ctx, "a2", "bitcoin")
	assert.Error(t, err)
}

func TestForget(t *testing.T) {
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		return []adapter.Balance{{Coins: coin("ETH", "1")}}, nil
	}
	agg, reg, _ := setup(t, nil, evm)
	ctx := context.Background()
	eth, _ := reg.Resolve(types.FamilyEVM, "0x1")
	require.NoError(t, agg.RefreshScoped(ctx, "a1", eth, "0xa"))
	require.NoError(t, agg.RefreshScoped(ctx, "a2", eth, "0xb"))

	require.NoError(t, agg.Forget(ctx, "a1"))

	gone, err := agg.Balances(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, gone)
	kept, err := agg.Balances(ctx, "a2")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestPoll(t *testing.T) {
	var calls int32
	evm := mocks.NewAdapter(types.FamilyEVM)
	evm.BalanceFunc = func(context.Context, chain.Descriptor, string) ([]adapter.Balance, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	addrs := []types.AccountAddress{{AccountID: "a1", ChainID: "0x1", Family: types.FamilyEVM, Address: "0xa"}}
	agg, _, _ := setup(t, addrs, evm)

	t.Run("no account", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		agg.Poll(ctx, currentAccount{}, 10*time.Millisecond, nil)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("kick forces a cycle", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		kick := make(chan struct{})
		done := make(chan struct{})
		go func() {
			agg.Poll(ctx, currentAccount{acct: types.Account{ID: "a1"}, ok: true}, time.Hour, kick)
			close(done)
		}()
		require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
		kick <- struct{}{}
		require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		<-done
	})

	t.Run("disabled interval still serves kicks", func(t *testing.T) {
		atomic.StoreInt32(&calls, 0)
		ctx, cancel := context.WithCancel(context.Background())
		kick := make(chan struct{})
		done := make(chan struct{})
		go func() {
			agg.Poll(ctx, currentAccount{acct: types.Account{ID: "a1"}, ok: true}, 0, kick)
			close(done)
		}()
		require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
		kick <- struct{}{}
		require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "no ticker without an interval")
		cancel()
		<-done
	})
}
