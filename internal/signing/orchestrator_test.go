package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
	"github.com/better-wallet/wallet-core/tests/mocks"
)

const signerAddr = "0xAbC0000000000000000000000000000000000001"

type fakeAccounts struct {
	locked   bool
	keyUsed  types.AccountType
	zkOpened int
}

func (f *fakeAccounts) WithKey(_ context.Context, _ types.Account, at types.AccountType, fn func(*keyexec.PrivateKey) error) error {
	if f.locked {
		return apperrors.ErrLocked
	}
	f.keyUsed = at
	return fn(&keyexec.PrivateKey{})
}

func (f *fakeAccounts) WithZkLogin(_ context.Context, _ types.Account, fn func(ed25519.PrivateKey, adapter.ZkProof) error) error {
	f.zkOpened++
	_, priv, _ := ed25519.GenerateKey(nil)
	var proof adapter.ZkProof
	proof.AddressSeed = "42"
	return fn(priv, proof)
}

func (f *fakeAccounts) ChainAddresses(_ context.Context, acct types.Account, d chain.Descriptor) ([]types.AccountAddress, error) {
	out := []types.AccountAddress{{AccountID: acct.ID, ChainID: d.ChainID, Family: d.Family, Address: signerAddr, AccountType: d.AccountTypes[0]}}
	if len(d.AccountTypes) > 1 {
		out = append(out, types.AccountAddress{AccountID: acct.ID, ChainID: d.ChainID, Family: d.Family, Address: "0xsecond", AccountType: d.AccountTypes[1]})
	}
	return out, nil
}

type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *counter) IncrementTxCount(_ context.Context, origin string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[origin]++
	return c.counts[origin], nil
}

type refresher struct {
	calls chan string
}

func (r *refresher) RefreshScoped(_ context.Context, _ string, _ chain.Descriptor, address string) error {
	r.calls <- address
	return nil
}

var testChain = chain.Descriptor{
	Family:    types.FamilyEVM,
	ChainID:   "0x1",
	Endpoints: []string{"https://e1", "https://e2", "https://e3"},
	AccountTypes: []types.AccountType{
		{HDPath: "m/44'/60'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true},
		{HDPath: "m/44'/60'/1'/0/${index}", PubkeyStyle: types.PubkeySecp256k1},
	},
}

func newOrchestrator(t *testing.T, a *mocks.Adapter) (*Orchestrator, *fakeAccounts, *counter) {
	t.Helper()
	accts := &fakeAccounts{}
	c := &counter{}
	o := New(Config{
		Accounts: accts,
		Adapters: adapter.NewSet(a),
		Counter:  c,
		Timeout:  time.Second,
	})
	return o, accts, c
}

func standardAccount() types.Account {
	return types.Account{ID: "acct-1", Kind: types.AccountMnemonic}
}

func TestSign_Standard(t *testing.T) {
	ctx := context.Background()
	a := mocks.NewAdapter(types.FamilyEVM)
	o, accts, c := newOrchestrator(t, a)

	res, err := o.Sign(ctx, Job{
		Account: standardAccount(),
		Chain:   testChain,
		Origin:  "https://a.com",
		Payload: adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, signerAddr, res.Address)
	assert.NotNil(t, res.Signed)
	assert.Nil(t, res.Submitted)
	assert.Empty(t, a.Broadcasts())

	signed := a.Signed()
	require.Len(t, signed, 1)
	assert.Equal(t, signerAddr, signed[0].Address, "signer filled in")
	assert.Equal(t, "https://a.com", signed[0].Origin)
	assert.Equal(t, testChain.AccountTypes[0], accts.keyUsed)
	assert.Equal(t, 1, c.counts["https://a.com"])
}

func TestSign_AddressSelection(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantAt  int
		wantErr bool
	}{
		{name: "default type", address: "", wantAt: 0},
		{name: "case-insensitive hex", address: "0xabc0000000000000000000000000000000000001", wantAt: 0},
		{name: "second account type", address: "0xSECOND", wantAt: 1},
		{name: "foreign address", address: "0x9999999999999999999999999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mocks.NewAdapter(types.FamilyEVM)
			o, accts, _ := newOrchestrator(t, a)
			_, err := o.Sign(context.Background(), Job{
				Account: standardAccount(),
				Chain:   testChain,
				Payload: adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("hi"), Address: tt.address},
			})
			if tt.wantErr {
				require.Error(t, err)
				appErr, ok := apperrors.IsAppError(err)
				require.True(t, ok)
				assert.Equal(t, "Invalid address", appErr.Message)
				assert.Empty(t, a.Signed())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testChain.AccountTypes[tt.wantAt], accts.keyUsed)
		})
	}
}

func TestSign_BroadcastFailover(t *testing.T) {
	a := mocks.NewAdapter(types.FamilyEVM)
	a.BroadcastFunc = func(_ context.Context, endpoint string, _ []byte) (any, error) {
		if endpoint == "https://e1" {
			return nil, errors.New("connection refused")
		}
		return "hash-from-" + endpoint, nil
	}
	o, _, _ := newOrchestrator(t, a)
	r := &refresher{calls: make(chan string, 1)}
	o.refresher = r

	res, err := o.Sign(context.Background(), Job{
		Account:   standardAccount(),
		Chain:     testChain,
		Payload:   adapter.Payload{Kind: adapter.KindTransaction},
		Broadcast: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hash-from-https://e2", res.Submitted)
	assert.Equal(t, []string{"https://e1", "https://e2"}, a.Broadcasts(), "e3 is never called")

	select {
	case addr := <-r.calls:
		assert.Equal(t, signerAddr, addr)
	case <-time.After(time.Second):
		t.Fatal("scoped refresh not triggered")
	}
}

func TestSign_BroadcastHangingEndpointFailsOver(t *testing.T) {
	a := mocks.NewAdapter(types.FamilyEVM)
	a.BroadcastFunc = func(ctx context.Context, endpoint string, _ []byte) (any, error) {
		if endpoint == "https://e1" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "hash-from-" + endpoint, nil
	}
	o, _, _ := newOrchestrator(t, a)
	o.timeout = 100 * time.Millisecond

	res, err := o.Sign(context.Background(), Job{
		Account:   standardAccount(),
		Chain:     testChain,
		Payload:   adapter.Payload{Kind: adapter.KindTransaction},
		Broadcast: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hash-from-https://e2", res.Submitted)
	assert.Equal(t, []string{"https://e1", "https://e2"}, a.Broadcasts())
}

func TestSign_BroadcastErrorIsGeneric(t *testing.T) {
	a := mocks.NewAdapter(types.FamilyEVM)
	a.BroadcastFunc = func(context.Context, string, []byte) (any, error) {
		return nil, errors.New("nonce too low: internal node 10.0.0.7")
	}
	o, _, c := newOrchestrator(t, a)

	_, err := o.Sign(context.Background(), Job{
		Account:   standardAccount(),
		Chain:     testChain,
		Origin:    "https://a.com",
		Payload:   adapter.Payload{Kind: adapter.KindTransaction},
		Broadcast: true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	wire := apperrors.ToWire(err)
	assert.NotContains(t, wire.Message, "10.0.0.7")
	assert.Len(t, a.Broadcasts(), 3)
	assert.Zero(t, c.counts["https://a.com"], "failed requests are not counted")
}

func TestSign_SpendGuard(t *testing.T) {
	btcChain := chain.Descriptor{
		Family:       types.FamilyBitcoin,
		ChainID:      "bitcoin",
		Endpoints:    []string{"https://mempool"},
		AccountTypes: []types.AccountType{{HDPath: "m/84'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2WPKH, IsDefault: true}},
	}
	tests := []struct {
		name     string
		spend    adapter.Spend
		spendErr error
		wantCode string
		wantMsg  string
	}{
		{
			name:     "over balance",
			spend:    adapter.Spend{Amount: decimal.NewFromInt(90_000), Fee: decimal.NewFromInt(20_000), Available: decimal.NewFromInt(100_000)},
			wantCode: apperrors.ErrCodeInvalidInput,
			wantMsg:  "Insufficient balance",
		},
		{
			name:     "balance unavailable",
			spendErr: errors.New("mempool down"),
			wantCode: apperrors.ErrCodeInvalidInput,
			wantMsg:  "Failed to build the transaction",
		},
		{
			name:  "within balance",
			spend: adapter.Spend{Amount: decimal.NewFromInt(50_000), Fee: decimal.NewFromInt(1_000), Available: decimal.NewFromInt(100_000)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mocks.NewAdapter(types.FamilyBitcoin)
			a.SpendFunc = func(context.Context, chain.Descriptor, string, adapter.Payload) (adapter.Spend, error) {
				return tt.spend, tt.spendErr
			}
			o, _, _ := newOrchestrator(t, a)

			_, err := o.Sign(context.Background(), Job{
				Account:   standardAccount(),
				Chain:     btcChain,
				Payload:   adapter.Payload{Kind: adapter.KindPSBT},
				Broadcast: true,
			})
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Len(t, a.Broadcasts(), 1)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.wantCode))
			assert.Equal(t, tt.wantMsg, apperrors.ToWire(err).Message)
			assert.Empty(t, a.Signed(), "nothing is signed")
			assert.Empty(t, a.Broadcasts(), "nothing is broadcast")
		})
	}
}

func TestSignBatch_SpendIsSummed(t *testing.T) {
	btcChain := chain.Descriptor{
		Family:       types.FamilyBitcoin,
		ID:           "bitcoin",
		ChainID:      "bitcoin",
		Endpoints:    []string{"https://mempool"},
		AccountTypes: []types.AccountType{{HDPath: "m/84'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2WPKH, IsDefault: true}},
	}
	const site = "https://a.com"
	tests := []struct {
		name    string
		amount  int64
		signed  int
		counted int
		wantMsg string
	}{
		{name: "each item fits but the batch does not", amount: 60_000, wantMsg: "Insufficient balance"},
		{name: "batch fits", amount: 40_000, signed: 2, counted: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mocks.NewAdapter(types.FamilyBitcoin)
			a.SpendFunc = func(context.Context, chain.Descriptor, string, adapter.Payload) (adapter.Spend, error) {
				return adapter.Spend{Amount: decimal.NewFromInt(tt.amount), Fee: decimal.NewFromInt(1_000), Available: decimal.NewFromInt(100_000)}, nil
			}
			o, _, c := newOrchestrator(t, a)

			job := Job{Account: standardAccount(), Chain: btcChain, Origin: site, Payload: adapter.Payload{Kind: adapter.KindPSBT}}
			res, err := o.SignBatch(context.Background(), []Job{job, job})
			if tt.wantMsg != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantMsg, apperrors.ToWire(err).Message)
			} else {
				require.NoError(t, err)
				assert.Len(t, res, tt.signed)
			}
			assert.Len(t, a.Signed(), tt.signed)
			assert.Equal(t, tt.counted, c.counts[site])
		})
	}

	t.Run("mixed chains are refused", func(t *testing.T) {
		a := mocks.NewAdapter(types.FamilyBitcoin)
		o, _, _ := newOrchestrator(t, a)
		other := btcChain
		other.ID = "bitcoin-signet"

		_, err := o.SignBatch(context.Background(), []Job{
			{Account: standardAccount(), Chain: btcChain, Payload: adapter.Payload{Kind: adapter.KindPSBT}},
			{Account: standardAccount(), Chain: other, Payload: adapter.Payload{Kind: adapter.KindPSBT}},
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidParams))
		assert.Empty(t, a.Signed())
	})
}

func TestSign_PrepareInsufficientBalance(t *testing.T) {
	a := mocks.NewAdapter(types.FamilyEVM)
	a.PrepareFunc = func(_ context.Context, _ chain.Descriptor, _ string, p adapter.Payload) (adapter.Payload, error) {
		return p, errors.Join(adapter.ErrInsufficientBalance, errors.New("have 1 need 2"))
	}
	o, _, _ := newOrchestrator(t, a)
	_, err := o.Sign(context.Background(), Job{Account: standardAccount(), Chain: testChain, Payload: adapter.Payload{Kind: adapter.KindTransfer}})
	require.Error(t, err)
	assert.Equal(t, "Insufficient balance", apperrors.ToWire(err).Message)
}

func TestSign_Locked(t *testing.T) {
	a := mocks.NewAdapter(types.FamilyEVM)
	o, accts, _ := newOrchestrator(t, a)
	accts.locked = true

	_, err := o.Sign(context.Background(), Job{Account: standardAccount(), Chain: testChain, Payload: adapter.Payload{Kind: adapter.KindMessage}})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLocked), "the lock error passes through")
	assert.Empty(t, a.Signed())
}

func TestSign_ZkLogin(t *testing.T) {
	suiChain := chain.Descriptor{
		Family:       types.FamilySui,
		ChainID:      "sui:mainnet",
		Endpoints:    []string{"https://sui"},
		AccountTypes: []types.AccountType{{HDPath: "m/44'/784'/0'/0'/${index}'", PubkeyStyle: types.PubkeyEd25519, IsDefault: true}},
	}
	zkAccount := types.Account{
		ID:      "zk-1",
		Kind:    types.AccountZkLogin,
		ZkLogin: &types.ZkLoginMaterial{Family: types.FamilySui, MaxEpoch: 10},
	}

	tests := []struct {
		name     string
		epoch    uint64
		epochErr error
		account  types.Account
		chain    chain.Descriptor
		wantErr  error
	}{
		{name: "within max epoch", epoch: 10, account: zkAccount, chain: suiChain},
		{name: "epoch unknown", epochErr: errors.New("rpc down"), account: zkAccount, chain: suiChain},
		{name: "expired", epoch: 11, account: zkAccount, chain: suiChain, wantErr: ErrZkLoginExpired},
		{name: "other family", account: zkAccount, chain: testChain, wantErr: ErrZkLoginUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mocks.NewAdapter(tt.chain.Family)
			a.EpochFunc = func(context.Context, chain.Descriptor) (uint64, error) { return tt.epoch, tt.epochErr }
			o, accts, _ := newOrchestrator(t, a)

			res, err := o.Sign(context.Background(), Job{Account: tt.account, Chain: tt.chain, Payload: adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("hi")}})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, accts.zkOpened)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "zk:42:10", res.Signed.Result)
			assert.Equal(t, 1, a.ZkSigned())
			assert.Empty(t, a.Signed(), "standard derivation is bypassed")
		})
	}
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress(types.FamilyEVM, "0xABC", "0xabc"))
	assert.True(t, SameAddress(types.FamilySui, "0xABC", "0xabc"))
	assert.False(t, SameAddress(types.FamilyCosmos, "cosmos1ABC", "cosmos1abc"))
	assert.True(t, SameAddress(types.FamilyBitcoin, "bc1q", "bc1q"))
}
