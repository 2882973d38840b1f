package move

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKey(t *testing.T) *keyexec.PrivateKey {
	t.Helper()
	key, err := keyexec.Derive(types.AccountMnemonic, []byte(testMnemonic), types.PubkeyEd25519, "m/44'/784'/0'/0'/0'")
	require.NoError(t, err)
	return key
}

func suiMainnet(endpoints ...string) chain.Descriptor {
	return chain.Descriptor{Family: types.FamilySui, ID: "sui", ChainID: "sui:mainnet", Endpoints: endpoints, MainAssetDenom: "0x2::sui::SUI", Decimals: 9, SupportsStaking: true}
}

func TestDeriveAddress(t *testing.T) {
	key := testKey(t)
	addr, err := NewSui(nil).DeriveAddress(suiMainnet(), key.PublicKey(), types.AccountType{})
	require.NoError(t, err)
	assert.Len(t, addr, 66)
	assert.Equal(t, Address(key.PublicKey()), addr)

	_, err = NewSui(nil).DeriveAddress(suiMainnet(), []byte{1, 2}, types.AccountType{})
	assert.Error(t, err)
}

func splitSignature(t *testing.T, sig []byte) (flag byte, signature, pub []byte) {
	t.Helper()
	require.Len(t, sig, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	return sig[0], sig[1 : 1+ed25519.SignatureSize], sig[1+ed25519.SignatureSize:]
}

func TestSign(t *testing.T) {
	key := testKey(t)
	tests := []struct {
		name   string
		kind   adapter.Kind
		bytes  []byte
		digest []byte
		hasRaw bool
	}{
		{name: "personal message", kind: adapter.KindMessage, bytes: []byte("hi"), digest: messageDigest(intentPersonalMessage, []byte{2, 'h', 'i'})},
		{name: "transaction", kind: adapter.KindTransaction, bytes: []byte{9, 9, 9}, digest: messageDigest(intentTransaction, []byte{9, 9, 9}), hasRaw: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewIOTA(nil).Sign(context.Background(), chain.Descriptor{}, key, adapter.Payload{Kind: tt.kind, Bytes: tt.bytes})
			require.NoError(t, err)

			flag, sig, pub := splitSignature(t, s.Signature)
			assert.Equal(t, FlagEd25519, flag)
			assert.Equal(t, key.PublicKey(), pub)
			assert.True(t, ed25519.Verify(pub, tt.digest, sig))

			res := s.Result.(SignedPayload)
			assert.Equal(t, base64.StdEncoding.EncodeToString(tt.bytes), res.Bytes)
			assert.Equal(t, tt.hasRaw, len(s.Raw) > 0)
		})
	}

	_, err := NewSui(nil).Sign(context.Background(), chain.Descriptor{}, key, adapter.Payload{Kind: adapter.KindTransaction})
	assert.Error(t, err, "empty transaction")
	_, err = NewSui(nil).Sign(context.Background(), chain.Descriptor{}, key, adapter.Payload{Kind: adapter.KindPSBT, Bytes: []byte{1}})
	assert.Error(t, err)
}

func TestSignZkLogin(t *testing.T) {
	_, eph, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var proof adapter.ZkProof
	proof.ProofPoints.A = []string{"1", "2"}
	proof.ProofPoints.B = [][]string{{"3", "4"}, {"5", "6"}}
	proof.ProofPoints.C = []string{"7"}
	proof.IssBase64Details.Value = "iss"
	proof.IssBase64Details.IndexMod4 = 2
	proof.HeaderBase64 = "hdr"
	proof.AddressSeed = "42"

	s, err := NewSui(nil).SignZkLogin(context.Background(), suiMainnet(), eph, proof, 77, adapter.Payload{Kind: adapter.KindTransaction, Bytes: []byte{1, 2, 3}})
	require.NoError(t, err)

	sig := s.Signature
	assert.Equal(t, FlagZkLogin, sig[0])

	// tail is maxEpoch (u64) then the 97-byte user signature with its length prefix
	userSig := sig[len(sig)-97:]
	assert.Equal(t, byte(97), sig[len(sig)-98])
	assert.Equal(t, uint64(77), binary.LittleEndian.Uint64(sig[len(sig)-106:len(sig)-98]))

	_, inner, pub := splitSignature(t, userSig)
	assert.True(t, ed25519.Verify(pub, messageDigest(intentTransaction, []byte{1, 2, 3}), inner))
	assert.Equal(t, sig, ZkLoginSignature(proof, 77, userSig))

	_, err = NewSui(nil).SignZkLogin(context.Background(), suiMainnet(), eph[:5], proof, 77, adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("x")})
	assert.Error(t, err)
}

type suixService struct{}

func (suixService) GetAllBalances(string) []map[string]string {
	return []map[string]string{
		{"coinType": "0x2::sui::SUI", "totalBalance": "1000"},
		{"coinType": "0xabc::usdc::USDC", "totalBalance": "5"},
	}
}

func (suixService) GetStakes(string) []map[string]any {
	return []map[string]any{{
		"validatorAddress": "0xval",
		"stakes": []map[string]string{
			{"principal": "100", "status": "Active", "estimatedReward": "3"},
			{"principal": "50", "status": "Pending"},
		},
	}}
}

func (suixService) GetLatestSuiSystemState() map[string]string { return map[string]string{"epoch": "812"} }

type suiService struct{ executed []string }

func (s *suiService) ExecuteTransactionBlock(tx string, sigs []string, _ map[string]bool, _ string) map[string]any {
	s.executed = append(s.executed, tx)
	return map[string]any{"digest": "D1", "signatures": sigs}
}

func newNode(t *testing.T, sui *suiService) string {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("suix", suixService{}))
	require.NoError(t, srv.RegisterName("sui", sui))
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

func TestReads(t *testing.T) {
	url := newNode(t, &suiService{})
	a := NewSui(nil)
	d := suiMainnet(url)

	balances, err := a.FetchBalances(context.Background(), d, "0x1", nil)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "", balances[0].AssetID, "main asset")
	assert.Equal(t, "0xabc::usdc::USDC", balances[1].AssetID)

	stakes, err := a.FetchStaking(context.Background(), d, "0x1")
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	assert.Len(t, stakes[0].Entries, 2)
	assert.Equal(t, "150", stakes[0].Total[0].Amount)
	assert.Equal(t, "3", stakes[1].Total[0].Amount)

	epoch, err := a.CurrentEpoch(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, uint64(812), epoch)

	out, err := a.Call(context.Background(), d, "suix_getAllBalances", json.RawMessage(`["0x1"]`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "totalBalance")
}

func TestBroadcast(t *testing.T) {
	sui := &suiService{}
	url := newNode(t, sui)
	a := NewSui(nil)

	s, err := a.Sign(context.Background(), suiMainnet(), testKey(t), adapter.Payload{Kind: adapter.KindTransaction, Bytes: []byte{4, 5}})
	require.NoError(t, err)

	out, err := a.Broadcast(context.Background(), suiMainnet(), url, s.Raw)
	require.NoError(t, err)
	assert.Contains(t, string(out.(json.RawMessage)), `"digest":"D1"`)
	assert.Equal(t, []string{base64.StdEncoding.EncodeToString([]byte{4, 5})}, sui.executed)

	_, err = a.Broadcast(context.Background(), suiMainnet(), url, []byte("not json"))
	assert.Error(t, err)
}
