package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testAddress  = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
)

func testKey(t *testing.T) *keyexec.PrivateKey {
	t.Helper()
	key, err := keyexec.Derive(types.AccountMnemonic, []byte(testMnemonic), types.PubkeyKeccak256, "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	return key
}

// ethService answers the subset of eth_* used by the adapter
type ethService struct {
	mu      sync.Mutex
	sent    []hexutil.Bytes
	balance *big.Int
	token   *big.Int
	fail    bool
}

func (s *ethService) ChainId() *hexutil.Big { return (*hexutil.Big)(big.NewInt(1)) }

func (s *ethService) GetBalance(_ common.Address, _ string) (*hexutil.Big, error) {
	return (*hexutil.Big)(s.balance), nil
}

func (s *ethService) Call(_ map[string]any, _ string) (hexutil.Bytes, error) {
	return common.LeftPadBytes(s.token.Bytes(), 32), nil
}

func (s *ethService) GetTransactionCount(_ common.Address, _ string) hexutil.Uint64 { return 7 }

func (s *ethService) EstimateGas(_ map[string]any, _ *string) hexutil.Uint64 { return 21000 }

func (s *ethService) BlockNumber() hexutil.Uint64 { return 0x10 }

func (s *ethService) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return common.Hash{}, assert.AnError
	}
	s.sent = append(s.sent, raw)
	return crypto.Keccak256Hash(raw), nil
}

func newNode(t *testing.T, svc *ethService) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

func mainnet(endpoints ...string) chain.Descriptor {
	return chain.Descriptor{Family: types.FamilyEVM, ID: "ethereum", ChainID: "0x1", Endpoints: endpoints, MainAssetDenom: "ETH", Decimals: 18}
}

func TestDeriveAddress(t *testing.T) {
	key := testKey(t)
	addr, err := New(nil).DeriveAddress(mainnet(), key.PublicKey(), types.AccountType{})
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	_, err = New(nil).DeriveAddress(mainnet(), []byte{1, 2, 3}, types.AccountType{})
	assert.Error(t, err)
}

func recoverAddress(t *testing.T, hash, sig []byte) common.Address {
	t.Helper()
	require.Len(t, sig, 65)
	cp := append([]byte(nil), sig...)
	cp[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(hash, cp)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(*pub)
}

func TestSign_Messages(t *testing.T) {
	a := New(nil)
	key := testKey(t)
	hash := crypto.Keccak256([]byte("raw"))

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"Mail":         {{Name: "contents", Type: "string"}},
		},
		PrimaryType: "Mail",
		Domain:      apitypes.TypedDataDomain{Name: "Test", ChainId: (*math.HexOrDecimal256)(big.NewInt(1))},
		Message:     apitypes.TypedDataMessage{"contents": "hello"},
	}
	typedHash, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)

	tests := []struct {
		name     string
		payload  adapter.Payload
		wantHash []byte
		wantErr  bool
	}{
		{name: "personal_sign", payload: adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("hello")}, wantHash: accounts.TextHash([]byte("hello"))},
		{name: "eth_sign", payload: adapter.Payload{Kind: adapter.KindRawHash, Bytes: hash}, wantHash: hash},
		{name: "eth_sign short hash", payload: adapter.Payload{Kind: adapter.KindRawHash, Bytes: []byte{1}}, wantErr: true},
		{name: "typed data v4", payload: adapter.Payload{Kind: adapter.KindTypedData, Data: typed}, wantHash: typedHash},
		{name: "typed data wrong type", payload: adapter.Payload{Kind: adapter.KindTypedData, Data: "nope"}, wantErr: true},
		{name: "unknown kind", payload: adapter.Payload{Kind: adapter.KindPSBT}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := a.Sign(context.Background(), mainnet(), key, tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, hexutil.Encode(signed.Signature), signed.Result)
			assert.Contains(t, []byte{27, 28}, signed.Signature[64])
			assert.Equal(t, common.HexToAddress(testAddress), recoverAddress(t, tt.wantHash, signed.Signature))
		})
	}
}

func TestSign_RequiresSecpKey(t *testing.T) {
	ed, err := keyexec.Derive(types.AccountMnemonic, []byte(testMnemonic), types.PubkeyEd25519, "m/44'/784'/0'/0'/0'")
	require.NoError(t, err)
	_, err = New(nil).Sign(context.Background(), mainnet(), ed, adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("x")})
	assert.Error(t, err)
}

func u64(v uint64) *hexutil.Uint64 { return (*hexutil.Uint64)(&v) }

func TestSign_Transaction(t *testing.T) {
	a := New(nil)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	tests := []struct {
		name     string
		req      *TxRequest
		wantType uint8
		wantErr  bool
	}{
		{
			name: "dynamic fee",
			req: &TxRequest{To: &to, Value: (*hexutil.Big)(big.NewInt(5)), Nonce: u64(1), Gas: u64(21000),
				MaxFeePerGas: (*hexutil.Big)(big.NewInt(30e9)), MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1e9))},
			wantType: ethtypes.DynamicFeeTxType,
		},
		{
			name:     "legacy",
			req:      &TxRequest{To: &to, Nonce: u64(2), Gas: u64(21000), GasPrice: (*hexutil.Big)(big.NewInt(20e9))},
			wantType: ethtypes.LegacyTxType,
		},
		{name: "missing nonce", req: &TxRequest{To: &to, Gas: u64(21000), GasPrice: (*hexutil.Big)(big.NewInt(1))}, wantErr: true},
		{name: "missing fees", req: &TxRequest{To: &to, Nonce: u64(1), Gas: u64(21000)}, wantErr: true},
		{
			name:    "chain id mismatch",
			req:     &TxRequest{To: &to, Nonce: u64(1), Gas: u64(21000), GasPrice: (*hexutil.Big)(big.NewInt(1)), ChainID: (*hexutil.Big)(big.NewInt(5))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := a.Sign(context.Background(), mainnet(), testKey(t), adapter.Payload{Kind: adapter.KindTransaction, Data: tt.req})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, signed.Raw)

			var tx ethtypes.Transaction
			require.NoError(t, tx.UnmarshalBinary(signed.Raw))
			assert.Equal(t, tt.wantType, tx.Type())
			sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1)), &tx)
			require.NoError(t, err)
			assert.Equal(t, common.HexToAddress(testAddress), sender)
			assert.Equal(t, hexutil.Encode(signed.Raw), signed.Result)
		})
	}
}

func TestPrepare_FillsNonceAndGas(t *testing.T) {
	url := newNode(t, &ethService{balance: big.NewInt(0), token: big.NewInt(0)})
	a := New(nil)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	p, err := a.Prepare(context.Background(), mainnet(url), testAddress, adapter.Payload{
		Kind: adapter.KindTransaction,
		Data: &TxRequest{To: &to, GasPrice: (*hexutil.Big)(big.NewInt(1e9))},
	})
	require.NoError(t, err)

	req := p.Data.(*TxRequest)
	require.NotNil(t, req.Nonce)
	require.NotNil(t, req.Gas)
	assert.Equal(t, uint64(7), uint64(*req.Nonce))
	assert.Equal(t, uint64(25200), uint64(*req.Gas), "estimate carries a 20% buffer")
}

func TestBroadcast_FailoverAcrossNodes(t *testing.T) {
	down := &ethService{fail: true}
	up := &ethService{}
	urls := []string{newNode(t, down), newNode(t, up)}

	a := New(nil)
	raw := []byte{0x02, 0x01}
	var got any
	var err error
	for _, url := range a.BroadcastEndpoints(mainnet(urls...)) {
		got, err = a.Broadcast(context.Background(), mainnet(), url, raw)
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(raw).Hex(), got)
	assert.Len(t, up.sent, 1)
}

func TestFetchBalances(t *testing.T) {
	url := newNode(t, &ethService{balance: big.NewInt(1234), token: big.NewInt(99)})
	tokens := []chain.Token{{Family: types.FamilyEVM, ChainID: "0x1", Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}}

	got, err := New(nil).FetchBalances(context.Background(), mainnet(url), testAddress, tokens)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []types.Coin{{Denom: "ETH", Amount: "1234"}}, got[0].Coins)
	assert.Equal(t, tokens[0].Contract, got[1].AssetID)
	assert.Equal(t, "99", got[1].Coins[0].Amount)
}

func TestCall_Passthrough(t *testing.T) {
	url := newNode(t, &ethService{})
	a := New(nil)

	out, err := a.Call(context.Background(), mainnet(url), "eth_blockNumber", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(out))

	_, err = a.Call(context.Background(), mainnet(url), "eth_blockNumber", json.RawMessage(`{"bad":1}`))
	assert.Error(t, err)

	id, err := a.ChainIDAt(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())
}

func TestChainIDOf(t *testing.T) {
	id, err := ChainIDOf(chain.Descriptor{ChainID: "0x89"})
	require.NoError(t, err)
	assert.Equal(t, int64(137), id.Int64())

	id, err = ChainIDOf(chain.Descriptor{ChainID: "56"})
	require.NoError(t, err)
	assert.Equal(t, int64(56), id.Int64())

	_, err = ChainIDOf(chain.Descriptor{ChainID: "mainnet"})
	assert.Error(t, err)
}
