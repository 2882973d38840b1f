package account

import (
	"context"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/cosmos"
	"github.com/better-wallet/wallet-core/internal/adapter/evm"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/storage"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// credential is a CredentialSource that is unlocked while non-nil
type credential struct {
	key []byte
}

func (c *credential) WithCredential(fn func([]byte) error) error {
	if c.key == nil {
		return apperrors.ErrLocked
	}
	return fn(c.key)
}

type forgetter struct{ ids []string }

func (f *forgetter) Forget(_ context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

var (
	ethMainnet = chain.Descriptor{
		Family: types.FamilyEVM, ID: "ethereum", Name: "Ethereum", ChainID: "0x1",
		AccountTypes: []types.AccountType{{HDPath: "m/44'/60'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true}},
	}
	cosmosHub = chain.Descriptor{
		Family: types.FamilyCosmos, ID: "cosmoshub", Name: "Cosmos", ChainID: "cosmoshub-4", AccountPrefix: "cosmos",
		AccountTypes: []types.AccountType{{HDPath: "m/44'/118'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true}},
	}
	suiMainnet = chain.Descriptor{
		Family: types.FamilySui, ID: "sui", Name: "Sui", ChainID: "sui:mainnet",
		AccountTypes: []types.AccountType{{HDPath: "m/44'/784'/${index}'/0'/0'", PubkeyStyle: types.PubkeyEd25519, IsDefault: true}},
	}
)

func newManager(t *testing.T) (*Manager, *credential, storage.KeyValueStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	reg := chain.NewRegistry(kv, []chain.Descriptor{ethMainnet, cosmosHub})
	cred := &credential{key: make([]byte, keyexec.CredentialSize)}
	m := NewManager(Config{
		Store:       kv,
		Chains:      reg,
		Sealer:      keyexec.NewSealer(nil),
		Session:     cred,
		Adapters:    adapter.NewSet(evm.New(nil), cosmos.New(nil, nil)),
		Concurrency: 2,
	})
	return m, cred, kv
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		in      CreateInput
		kind    types.AccountKind
		wantErr bool
	}{
		{name: "mnemonic", in: CreateInput{Name: "main", Mnemonic: "  " + testMnemonic + " "}, kind: types.AccountMnemonic},
		{name: "private key", in: CreateInput{PrivateKey: "0x" + strings.Repeat("12", 32)}, kind: types.AccountPrivateKey},
		{name: "bad checksum", in: CreateInput{Mnemonic: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon"}, wantErr: true},
		{name: "both secrets", in: CreateInput{Mnemonic: testMnemonic, PrivateKey: "11"}, wantErr: true},
		{name: "no secret", in: CreateInput{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newManager(t)
			acct, err := m.Create(context.Background(), tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSecret)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, acct.Kind)
			assert.NotEmpty(t, acct.Sealed)
			assert.NotContains(t, string(acct.Sealed), "abandon")

			cur, ok, err := m.Current(context.Background())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, acct.ID, cur.ID, "first account becomes current")
		})
	}
}

func TestCreateLocked(t *testing.T) {
	m, cred, _ := newManager(t)
	cred.key = nil
	_, err := m.Create(context.Background(), CreateInput{Mnemonic: testMnemonic})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLocked))
}

func TestCreate_ReturnsStoredName(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)

	tests := []struct {
		name string
		in   CreateInput
		want string
	}{
		{name: "unnamed first", in: CreateInput{Mnemonic: testMnemonic}, want: "Account 1"},
		{name: "explicit", in: CreateInput{Name: "cold", Mnemonic: testMnemonic, Index: 1}, want: "cold"},
		{name: "unnamed third", in: CreateInput{Mnemonic: testMnemonic, Index: 2}, want: "Account 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, err := m.Create(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, acct.Name)

			stored, err := m.Get(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Name)
		})
	}
}

func TestSelectRenameDelete(t *testing.T) {
	ctx := context.Background()
	m, _, kv := newManager(t)
	f := &forgetter{}
	m.OnDelete(f)

	a, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic, Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "Account 1", a.Name)
	assert.Equal(t, "Account 2", b.Name)

	require.NoError(t, m.Select(ctx, b.ID))
	cur, _, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, cur.ID)

	assert.ErrorIs(t, m.Select(ctx, "missing"), ErrNotFound)

	require.NoError(t, m.Rename(ctx, b.ID, " savings "))
	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "savings", got.Name)
	assert.Error(t, m.Rename(ctx, b.ID, "  "))

	_, err = m.Addresses(ctx, b)
	require.NoError(t, err)
	raw, err := kv.Get(ctx, addressKey(b.ID))
	require.NoError(t, err)
	require.NotNil(t, raw)

	require.NoError(t, m.Delete(ctx, b.ID))
	assert.Equal(t, []string{b.ID}, f.ids)
	raw, err = kv.Get(ctx, addressKey(b.ID))
	require.NoError(t, err)
	assert.Nil(t, raw)

	cur, _, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, cur.ID, "deleting the current account selects the remaining one")

	require.NoError(t, m.Delete(ctx, a.ID))
	_, ok, err := m.Current(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Delete(ctx, a.ID), ErrNotFound)
}

func TestAddresses(t *testing.T) {
	ctx := context.Background()
	m, cred, _ := newManager(t)

	acct, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic})
	require.NoError(t, err)

	addrs, err := m.Addresses(ctx, acct)
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	byChain := map[string]string{}
	for _, a := range addrs {
		byChain[a.ChainID] = a.Address
		assert.Equal(t, acct.ID, a.AccountID)
		assert.NotEmpty(t, a.PublicKey)
	}
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", byChain["0x1"])
	assert.Equal(t, "cosmos19rl4cm2hmr8afy4kldpxz3fka4jguq0auqdal4", byChain["cosmoshub-4"])

	// cached derivations are served while locked
	cred.key = nil
	again, err := m.Addresses(ctx, acct)
	require.NoError(t, err)
	assert.ElementsMatch(t, addrs, again)

	one, err := m.Address(ctx, acct, ethMainnet)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", one.Address)

	// a changed account type is a new derivation and needs the credential
	changed := ethMainnet
	changed.AccountTypes = []types.AccountType{{HDPath: "m/44'/60'/1'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true}}
	_, err = m.Address(ctx, acct, changed)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLocked))
}

func TestChainAddresses(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	acct, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic})
	require.NoError(t, err)

	two := ethMainnet
	two.AccountTypes = []types.AccountType{
		{HDPath: "m/44'/60'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true},
		{HDPath: "m/44'/60'/1'/0/${index}", PubkeyStyle: types.PubkeySecp256k1},
	}
	addrs, err := m.ChainAddresses(ctx, acct, two)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addrs[0].Address)
	assert.Equal(t, two.AccountTypes[1].HDPath, addrs[1].AccountType.HDPath)
	assert.NotEqual(t, addrs[0].Address, addrs[1].Address)

	_, err = m.ChainAddresses(ctx, acct, chain.Descriptor{Family: types.FamilyEVM, ChainID: "0x5"})
	assert.ErrorIs(t, err, ErrNoAccountTypes)
}

func TestWithKey(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	acct, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic})
	require.NoError(t, err)

	at, _ := ethMainnet.DefaultAccountType()
	var retained *keyexec.PrivateKey
	err = m.WithKey(ctx, acct, at, func(key *keyexec.PrivateKey) error {
		retained = key
		addr, err := evm.New(nil).DeriveAddress(ethMainnet, key.PublicKey(), at)
		require.NoError(t, err)
		assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, retained.Secp.Key.IsZero(), "key is zeroed after use")
}

func TestZkLogin(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 7

	var proof adapter.ZkProof
	proof.AddressSeed = "123"

	_, err := m.CreateZkLogin(ctx, ZkLoginInput{Family: types.FamilyEVM, Address: "0xabc", EphemeralSeed: seed})
	assert.Error(t, err)

	acct, err := m.CreateZkLogin(ctx, ZkLoginInput{Family: types.FamilySui, Address: "0xabc", MaxEpoch: 10, EphemeralSeed: seed, Proof: proof})
	require.NoError(t, err)
	assert.Equal(t, types.AccountZkLogin, acct.Kind)
	assert.Equal(t, "Account 1", acct.Name)

	addr, err := m.Address(ctx, acct, suiMainnet)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addr.Address)
	_, err = m.Address(ctx, acct, ethMainnet)
	assert.Error(t, err)

	err = m.WithZkLogin(ctx, acct, func(eph ed25519.PrivateKey, p adapter.ZkProof) error {
		assert.Equal(t, ed25519.NewKeyFromSeed(seed), eph)
		assert.Equal(t, "123", p.AddressSeed)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, m.WithKey(ctx, acct, types.AccountType{}, func(*keyexec.PrivateKey) error { return nil }), ErrNotStandard)
}

func TestReseal(t *testing.T) {
	ctx := context.Background()
	m, cred, _ := newManager(t)
	acct, err := m.Create(ctx, CreateInput{Mnemonic: testMnemonic})
	require.NoError(t, err)

	oldKey := cred.key
	newKey := make([]byte, keyexec.CredentialSize)
	newKey[0] = 1
	require.NoError(t, m.Reseal(ctx, oldKey, newKey))

	cred.key = newKey
	acct, err = m.Get(ctx, acct.ID)
	require.NoError(t, err)
	at, _ := ethMainnet.DefaultAccountType()
	assert.NoError(t, m.WithKey(ctx, acct, at, func(*keyexec.PrivateKey) error { return nil }))

	cred.key = oldKey
	assert.Error(t, m.WithKey(ctx, acct, at, func(*keyexec.PrivateKey) error { return nil }))
}
