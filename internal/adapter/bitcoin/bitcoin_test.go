package bitcoin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var (
	wpkhType = types.AccountType{HDPath: "m/84'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2WPKH, IsDefault: true}
	trType   = types.AccountType{HDPath: "m/86'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2TR}
)

func mainnet(mempool string) chain.Descriptor {
	return chain.Descriptor{
		Family: types.FamilyBitcoin, ID: "bitcoin", ChainID: "bitcoin", Network: "mainnet",
		MempoolURL: mempool, AccountTypes: []types.AccountType{wpkhType, trType},
		MainAssetDenom: "sat", Decimals: 8,
	}
}

func keyFor(t *testing.T, at types.AccountType) *keyexec.PrivateKey {
	t.Helper()
	key, err := keyexec.Derive(types.AccountMnemonic, []byte(testMnemonic), at.PubkeyStyle, at.PathFor(0))
	require.NoError(t, err)
	return key
}

func addressOf(t *testing.T, at types.AccountType) string {
	t.Helper()
	addr, err := New(nil, nil).DeriveAddress(mainnet(""), keyFor(t, at).PublicKey(), at)
	require.NoError(t, err)
	return addr
}

func TestDeriveAddress(t *testing.T) {
	tests := []struct {
		name string
		at   types.AccountType
		want string
	}{
		{name: "bip84", at: wpkhType, want: "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{name: "bip86", at: trType, want: "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, addressOf(t, tt.at))
		})
	}

	signet := mainnet("")
	signet.Network = "signet"
	addr, err := New(nil, nil).DeriveAddress(signet, keyFor(t, wpkhType).PublicKey(), wpkhType)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "tb1q"))

	_, err = New(nil, nil).DeriveAddress(mainnet(""), keyFor(t, wpkhType).PublicKey(), types.AccountType{PubkeyStyle: "p2pkh"})
	assert.Error(t, err)
}

func TestSignMessage_Recoverable(t *testing.T) {
	key := keyFor(t, wpkhType)
	signed, err := New(nil, nil).Sign(context.Background(), mainnet(""), key, adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte("hello")})
	require.NoError(t, err)

	sig, err := base64.StdEncoding.DecodeString(signed.Result.(string))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.GreaterOrEqual(t, sig[0], byte(31))

	pub, compressed, err := ecdsa.RecoverCompact(sig, MessageHash([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, key.PublicKey(), pub.SerializeCompressed())
}

func parseWitness(t *testing.T, raw []byte) wire.TxWitness {
	t.Helper()
	r := bytes.NewReader(raw)
	n, err := wire.ReadVarInt(r, 0)
	require.NoError(t, err)
	w := make(wire.TxWitness, n)
	for i := range w {
		w[i], err = wire.ReadVarBytes(r, 0, 1<<16, "witness")
		require.NoError(t, err)
	}
	return w
}

func verifyInput(t *testing.T, tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher) {
	t.Helper()
	prev := fetcher.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	vm, err := txscript.NewEngine(prev.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), prev.Value, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestSignBIP322Simple(t *testing.T) {
	for _, at := range []types.AccountType{wpkhType, trType} {
		t.Run(at.PubkeyStyle, func(t *testing.T) {
			addrStr := addressOf(t, at)
			signed, err := New(nil, nil).Sign(context.Background(), mainnet(""), keyFor(t, at), adapter.Payload{
				Kind: adapter.KindBIP322, Bytes: []byte("Hello World"), Address: addrStr,
			})
			require.NoError(t, err)

			raw, err := base64.StdEncoding.DecodeString(signed.Result.(string))
			require.NoError(t, err)

			addr, err := btcutil.DecodeAddress(addrStr, &chaincfg.MainNetParams)
			require.NoError(t, err)
			pkScript, err := txscript.PayToAddrScript(addr)
			require.NoError(t, err)
			_, toSign, err := bip322Txs(pkScript, []byte("Hello World"))
			require.NoError(t, err)
			toSign.TxIn[0].Witness = parseWitness(t, raw)

			verifyInput(t, toSign, 0, txscript.NewCannedPrevOutputFetcher(pkScript, 0))
		})
	}
}

// fundedPacket spends one p2wpkh and one p2tr output of the test keys
func fundedPacket(t *testing.T, values [2]int64, pay int64, change int64) (*psbt.Packet, []byte) {
	t.Helper()
	wpkh, _ := btcutil.DecodeAddress(addressOf(t, wpkhType), &chaincfg.MainNetParams)
	tr, _ := btcutil.DecodeAddress(addressOf(t, trType), &chaincfg.MainNetParams)
	wpkhScript, _ := txscript.PayToAddrScript(wpkh)
	trScript, _ := txscript.PayToAddrScript(tr)
	other, _ := btcutil.DecodeAddress("bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", &chaincfg.MainNetParams)
	otherScript, _ := txscript.PayToAddrScript(other)

	h1 := chainhash.DoubleHashH([]byte("a"))
	h2 := chainhash.DoubleHashH([]byte("b"))
	outs := []*wire.TxOut{wire.NewTxOut(pay, otherScript)}
	if change > 0 {
		outs = append(outs, wire.NewTxOut(change, wpkhScript))
	}
	p, err := psbt.New([]*wire.OutPoint{wire.NewOutPoint(&h1, 0), wire.NewOutPoint(&h2, 1)}, outs, 2, 0, []uint32{wire.MaxTxInSequenceNum, wire.MaxTxInSequenceNum})
	require.NoError(t, err)
	p.Inputs[0].WitnessUtxo = wire.NewTxOut(values[0], wpkhScript)
	p.Inputs[1].WitnessUtxo = wire.NewTxOut(values[1], trScript)
	return p, wpkhScript
}

func TestSignPSBT_Finalized(t *testing.T) {
	a := New(nil, nil)
	p, _ := fundedPacket(t, [2]int64{6000, 4000}, 7000, 2500)

	// each account type signs its own input
	_, err := a.Sign(context.Background(), mainnet(""), keyFor(t, wpkhType), adapter.Payload{Kind: adapter.KindPSBT, Data: &PSBTRequest{Packet: p}})
	require.NoError(t, err)
	signed, err := a.Sign(context.Background(), mainnet(""), keyFor(t, trType), adapter.Payload{Kind: adapter.KindPSBT, Data: &PSBTRequest{Packet: p, Extract: true}})
	require.NoError(t, err)
	require.NotEmpty(t, signed.Raw)

	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(signed.Raw)))
	assert.Equal(t, tx.TxHash().String(), signed.Result)

	fetcher, err := prevOutFetcher(p)
	require.NoError(t, err)
	verifyInput(t, &tx, 0, fetcher)
	verifyInput(t, &tx, 1, fetcher)
}

func TestSignPSBT_Errors(t *testing.T) {
	a := New(nil, nil)
	p, _ := fundedPacket(t, [2]int64{6000, 4000}, 7000, 0)

	tests := []struct {
		name string
		req  *PSBTRequest
	}{
		{name: "missing packet", req: &PSBTRequest{}},
		{name: "index out of range", req: &PSBTRequest{Packet: p, SignInputs: []int{5}}},
		{name: "foreign input requested", req: &PSBTRequest{Packet: p, SignInputs: []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Sign(context.Background(), mainnet(""), keyFor(t, wpkhType), adapter.Payload{Kind: adapter.KindPSBT, Data: tt.req})
			assert.Error(t, err)
		})
	}

	encoded, err := EncodePSBT(p)
	require.NoError(t, err)
	parsed, err := ParsePSBT(encoded)
	require.NoError(t, err)
	assert.Equal(t, p.UnsignedTx.TxHash(), parsed.UnsignedTx.TxHash())
}

func TestSpendOf(t *testing.T) {
	p, _ := fundedPacket(t, [2]int64{6000, 4000}, 7000, 2500)
	amount, fee, err := SpendOf(&chaincfg.MainNetParams, p, addressOf(t, wpkhType))
	require.NoError(t, err)
	assert.Equal(t, int64(7000), amount, "change to self is not spent")
	assert.Equal(t, int64(500), fee)

	over, _ := fundedPacket(t, [2]int64{1000, 1000}, 7000, 0)
	_, _, err = SpendOf(&chaincfg.MainNetParams, over, addressOf(t, wpkhType))
	assert.Error(t, err)
}

func newMempool(t *testing.T, address string, stats string) (*httptest.Server, *[]string) {
	t.Helper()
	var posted []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tx":
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body)
			posted = append(posted, buf.String())
			_, _ = w.Write([]byte(strings.Repeat("ab", 32)))
		case r.URL.Path == "/address/"+address:
			_, _ = w.Write([]byte(stats))
		case r.URL.Path == "/address/"+address+"/utxo":
			utxos := []map[string]any{
				{"txid": strings.Repeat("11", 32), "vout": 0, "value": 3000, "status": map[string]bool{"confirmed": true}},
				{"txid": strings.Repeat("22", 32), "vout": 1, "value": 9000, "status": map[string]bool{"confirmed": true}},
			}
			_ = json.NewEncoder(w).Encode(utxos)
		case r.URL.Path == "/v1/fees/recommended":
			_, _ = w.Write([]byte(`{"fastestFee":20,"halfHourFee":10,"hourFee":5,"economyFee":2,"minimumFee":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &posted
}

func TestFetchBalances(t *testing.T) {
	addr := addressOf(t, wpkhType)
	ts, _ := newMempool(t, addr, `{"chain_stats":{"funded_txo_sum":10000,"spent_txo_sum":2000},"mempool_stats":{"funded_txo_sum":500,"spent_txo_sum":1000}}`)

	got, err := New(nil, nil).FetchBalances(context.Background(), mainnet(ts.URL), addr, nil)
	require.NoError(t, err)
	assert.Equal(t, []adapter.Balance{{Coins: []types.Coin{{Denom: "sat", Amount: "7000"}}}}, got)
}

func TestPrepareTransfer_AndSpendGuard(t *testing.T) {
	addr := addressOf(t, wpkhType)
	ts, posted := newMempool(t, addr, `{"chain_stats":{"funded_txo_sum":12000,"spent_txo_sum":0},"mempool_stats":{"funded_txo_sum":0,"spent_txo_sum":0}}`)
	a := New(nil, nil)
	d := mainnet(ts.URL)
	to := "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"

	p, err := a.Prepare(context.Background(), d, addr, adapter.Payload{
		Kind: adapter.KindTransfer,
		Data: &PSBTRequest{Transfer: &Transfer{To: to, Amount: 5000}},
	})
	require.NoError(t, err)
	req := p.Data.(*PSBTRequest)
	require.NotNil(t, req.Packet)
	assert.True(t, req.Extract)
	require.Len(t, req.Packet.UnsignedTx.TxIn, 2, "3000 sats alone cannot cover 5000")

	spend, err := a.Spend(context.Background(), d, addr, p)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), spend.Amount.IntPart())
	assert.Equal(t, EstimateFee([][]byte{nil, nil}, 2, 10), spend.Fee.IntPart())
	assert.False(t, spend.Exceeds())

	signed, err := a.Sign(context.Background(), d, keyFor(t, wpkhType), p)
	require.NoError(t, err)
	txid, err := a.Broadcast(context.Background(), d, ts.URL, signed.Raw)
	require.NoError(t, err)
	assert.Len(t, txid, 64)
	require.Len(t, *posted, 1)

	_, err = a.Prepare(context.Background(), d, addr, adapter.Payload{
		Kind: adapter.KindTransfer,
		Data: &PSBTRequest{Transfer: &Transfer{To: to, Amount: 50000}},
	})
	assert.ErrorContains(t, err, "insufficient balance")
}

func TestSpend_Exceeds(t *testing.T) {
	addr := addressOf(t, wpkhType)
	ts, _ := newMempool(t, addr, `{"chain_stats":{"funded_txo_sum":5000,"spent_txo_sum":0},"mempool_stats":{"funded_txo_sum":0,"spent_txo_sum":0}}`)

	p, _ := fundedPacket(t, [2]int64{6000, 4000}, 7000, 2500)
	spend, err := New(nil, nil).Spend(context.Background(), mainnet(ts.URL), addr, adapter.Payload{Kind: adapter.KindPSBT, Data: &PSBTRequest{Packet: p}})
	require.NoError(t, err)
	assert.True(t, spend.Exceeds(), "7000 + 500 is more than 5000")
}
