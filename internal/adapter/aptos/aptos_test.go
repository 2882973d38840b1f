package aptos

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKey(t *testing.T) *keyexec.PrivateKey {
	t.Helper()
	key, err := keyexec.Derive(types.AccountMnemonic, []byte(testMnemonic), types.PubkeyEd25519, "m/44'/637'/0'/0'/0'")
	require.NoError(t, err)
	return key
}

func mainnet(endpoints ...string) chain.Descriptor {
	return chain.Descriptor{Family: types.FamilyAptos, ID: "aptos", ChainID: "1", Endpoints: endpoints, MainAssetDenom: "0x1::aptos_coin::AptosCoin", Decimals: 8}
}

func TestDeriveAddress(t *testing.T) {
	key := testKey(t)
	addr, err := New(nil, nil).DeriveAddress(mainnet(), key.PublicKey(), types.AccountType{})
	require.NoError(t, err)

	h := sha3.Sum256(append(key.PublicKey(), 0x00))
	assert.Equal(t, "0x"+hex.EncodeToString(h[:]), addr)

	_, err = New(nil, nil).DeriveAddress(mainnet(), []byte{1}, types.AccountType{})
	assert.Error(t, err)
}

func TestFullMessage(t *testing.T) {
	tests := []struct {
		name string
		d    chain.Descriptor
		req  MessageRequest
		want string
	}{
		{
			name: "message only",
			d:    mainnet(),
			req:  MessageRequest{Message: "hello", Nonce: 7},
			want: "APTOS\nmessage: hello\nnonce: 7",
		},
		{
			name: "all fields",
			d:    chain.Descriptor{ChainID: "0x2"},
			req:  MessageRequest{Message: "hello", Nonce: 1, Address: true, Application: true, ChainID: true},
			want: "APTOS\naddress: 0xabc\napplication: https://dapp.example\nchainId: 2\nmessage: hello\nnonce: 1",
		},
		{
			name: "unparseable chain id defaults to mainnet",
			d:    chain.Descriptor{ChainID: "aptos:mainnet"},
			req:  MessageRequest{Message: "m", ChainID: true},
			want: "APTOS\nchainId: 1\nmessage: m\nnonce: 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FullMessage(tt.d, "0xabc", "https://dapp.example", tt.req))
		})
	}
}

func TestSignMessage(t *testing.T) {
	key := testKey(t)
	s, err := New(nil, nil).Sign(context.Background(), mainnet(), key, adapter.Payload{
		Kind:   adapter.KindMessage,
		Data:   &MessageRequest{Message: "hello", Nonce: 3, Application: true},
		Origin: "https://dapp.example",
	})
	require.NoError(t, err)

	res := s.Result.(MessageResponse)
	assert.Equal(t, "APTOS\napplication: https://dapp.example\nmessage: hello\nnonce: 3", res.FullMessage)
	assert.Equal(t, Address(key.PublicKey()), res.Address)
	assert.Equal(t, uint64(1), res.ChainID)
	assert.True(t, strings.HasPrefix(res.Signature, "40"))
	assert.True(t, ed25519.Verify(key.PublicKey(), []byte(res.FullMessage), s.Signature))

	_, err = New(nil, nil).Sign(context.Background(), mainnet(), key, adapter.Payload{Kind: adapter.KindMessage})
	assert.Error(t, err)
}

func rawTx() []byte {
	raw := bytes.Repeat([]byte{0xaa}, 40)
	return append(raw, 0x01) // chain id
}

func TestSignTransaction(t *testing.T) {
	key := testKey(t)
	pub := key.PublicKey()
	raw := rawTx()
	sponsor := bytes.Repeat([]byte{0x11}, 32)
	self, _ := hex.DecodeString(strings.TrimPrefix(Address(pub), "0x"))

	withData := func(feePayer []byte) []byte {
		msg := append(domainHash("APTOS::RawTransactionWithData"), 0x01)
		msg = append(msg, raw...)
		msg = append(msg, 0x00)
		return append(msg, feePayer...)
	}

	tests := []struct {
		name       string
		bytes      []byte
		opts       *TxOptions
		signed     []byte
		submitable bool
		wantErr    bool
	}{
		{
			name:       "self paid",
			bytes:      append(append([]byte{}, raw...), 0x00),
			signed:     append(domainHash("APTOS::RawTransaction"), raw...),
			submitable: true,
		},
		{
			name:   "sponsored sender",
			bytes:  append(append(append([]byte{}, raw...), 0x01), sponsor...),
			signed: withData(sponsor),
		},
		{
			name:   "as fee payer",
			bytes:  append(append(append([]byte{}, raw...), 0x01), make([]byte, 32)...),
			opts:   &TxOptions{AsFeePayer: true},
			signed: withData(self),
		},
		{
			name:    "fee payer requested without one",
			bytes:   append(append([]byte{}, raw...), 0x00),
			opts:    &TxOptions{AsFeePayer: true},
			wantErr: true,
		},
		{
			name:    "empty",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := adapter.Payload{Kind: adapter.KindTransaction, Bytes: tt.bytes}
			if tt.opts != nil {
				p.Data = tt.opts
			}
			s, err := New(nil, nil).Sign(context.Background(), mainnet(), key, p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, ed25519.Verify(pub, tt.signed, s.Signature))

			auth, err := hex.DecodeString(s.Result.(string))
			require.NoError(t, err)
			assert.Equal(t, byte(0x00), auth[0])
			assert.Equal(t, byte(0x20), auth[1])
			assert.Equal(t, pub, auth[2:34])
			assert.Equal(t, byte(0x40), auth[34])

			if !tt.submitable {
				assert.Nil(t, s.Raw)
				return
			}
			assert.Equal(t, raw, s.Raw[:len(raw)])
			assert.Equal(t, auth, s.Raw[len(raw):])
		})
	}
}

func TestBroadcast(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		assert.Equal(t, signedTxContentType, r.Header.Get("Content-Type"))
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"hash":"0xfeed","type":"pending_transaction"}`))
	}))
	defer srv.Close()

	a := New(srv.Client(), nil)
	out, err := a.Broadcast(context.Background(), mainnet(), srv.URL, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	var pending map[string]string
	require.NoError(t, json.Unmarshal(out.(json.RawMessage), &pending))
	assert.Equal(t, "0xfeed", pending["hash"])

	_, err = a.Broadcast(context.Background(), mainnet(), srv.URL, nil)
	assert.Error(t, err)
}

func TestFetchBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts/0x1/resources":
			_, _ = w.Write([]byte(`[
				{"type":"0x1::account::Account","data":{"sequence_number":"4"}},
				{"type":"0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>","data":{"coin":{"value":"12345"}}},
				{"type":"0x1::coin::CoinStore<0xf22::asset::USDC>","data":{"coin":{"value":"9"}}}
			]`))
		default:
			http.Error(w, `{"error_code":"account_not_found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(srv.Client(), nil)
	balances, err := a.FetchBalances(context.Background(), mainnet(srv.URL), "0x1", nil)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "", balances[0].AssetID)
	assert.Equal(t, "12345", balances[0].Coins[0].Amount)
	assert.Equal(t, "0xf22::asset::USDC", balances[1].AssetID)

	balances, err = a.FetchBalances(context.Background(), mainnet(srv.URL), "0x2", nil)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "0", balances[0].Coins[0].Amount)
}
