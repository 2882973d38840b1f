package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
)

// dustLimit is the smallest change output worth creating
const dustLimit = 546

// Virtual sizes used for fee estimation
const (
	txOverheadVBytes   = 11
	p2wpkhInputVBytes  = 68
	p2trInputVBytes    = 58
	outputVBytes       = 43
	defaultFeeRateSats = 2
)

// Transfer is a bit_sendBitcoin request
type Transfer struct {
	To      string
	Amount  int64
	FeeRate int64
}

// PSBTRequest is a PSBT to sign. Prepare fills it for a Transfer.
type PSBTRequest struct {
	Packet *psbt.Packet
	// SignInputs restricts signing to these input indexes; empty means every
	// input spending from the signer.
	SignInputs []int
	// Finalize finalizes inputs after signing
	Finalize bool
	// Extract returns the network serialization for broadcast
	Extract bool
	// Transfer is set for bit_sendBitcoin before Prepare turns it into a packet
	Transfer *Transfer
}

// ParsePSBT decodes a hex or base64 PSBT
func ParsePSBT(s string) (*psbt.Packet, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	}
	return psbt.NewFromRawBytes(bytes.NewReader([]byte(s)), true)
}

// EncodePSBT returns the hex serialization of a packet
func EncodePSBT(p *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func prevOutFetcher(p *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range p.UnsignedTx.TxIn {
		utxo := p.Inputs[i].WitnessUtxo
		if utxo == nil && p.Inputs[i].NonWitnessUtxo != nil {
			idx := in.PreviousOutPoint.Index
			if int(idx) < len(p.Inputs[i].NonWitnessUtxo.TxOut) {
				utxo = p.Inputs[i].NonWitnessUtxo.TxOut[idx]
			}
		}
		if utxo == nil {
			return nil, fmt.Errorf("input %d has no utxo information", i)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, utxo)
	}
	return fetcher, nil
}

func signPSBT(net *chaincfg.Params, priv *btcec.PrivateKey, req *PSBTRequest) (*adapter.Signed, error) {
	p := req.Packet
	if p == nil {
		return nil, fmt.Errorf("psbt is missing")
	}
	fetcher, err := prevOutFetcher(p)
	if err != nil {
		return nil, err
	}

	pub := priv.PubKey().SerializeCompressed()
	wpkh, err := addressFor(net, pub, "p2wpkh")
	if err != nil {
		return nil, err
	}
	tr, err := addressFor(net, pub, "p2tr")
	if err != nil {
		return nil, err
	}
	wpkhScript, _ := txscript.PayToAddrScript(wpkh)
	trScript, _ := txscript.PayToAddrScript(tr)

	wanted := map[int]bool{}
	for _, i := range req.SignInputs {
		if i < 0 || i >= len(p.Inputs) {
			return nil, fmt.Errorf("input index %d out of range", i)
		}
		wanted[i] = true
	}

	tx := p.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	signed := 0
	for i, in := range tx.TxIn {
		if len(wanted) > 0 && !wanted[i] {
			continue
		}
		utxo := fetcher.FetchPrevOutput(in.PreviousOutPoint)

		switch {
		case bytes.Equal(utxo.PkScript, wpkhScript):
			sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, utxo.Value, utxo.PkScript, txscript.SigHashAll, priv)
			if err != nil {
				return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			p.Inputs[i].PartialSigs = append(p.Inputs[i].PartialSigs, &psbt.PartialSig{PubKey: pub, Signature: sig})
			signed++
		case bytes.Equal(utxo.PkScript, trScript):
			sig, err := txscript.RawTxInTaprootSignature(tx, sigHashes, i, utxo.Value, utxo.PkScript, nil, txscript.SigHashDefault, priv)
			if err != nil {
				return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
			}
			p.Inputs[i].TaprootKeySpendSig = sig
			signed++
		default:
			if wanted[i] {
				return nil, fmt.Errorf("input %d is not spendable by this key", i)
			}
		}
	}
	if signed == 0 {
		return nil, fmt.Errorf("no input of the psbt belongs to this key")
	}

	if req.Finalize || req.Extract {
		for i := range p.Inputs {
			if len(p.Inputs[i].PartialSigs) == 0 && p.Inputs[i].TaprootKeySpendSig == nil {
				continue
			}
			if err := psbt.Finalize(p, i); err != nil {
				return nil, fmt.Errorf("failed to finalize input %d: %w", i, err)
			}
		}
	}

	out := &adapter.Signed{PublicKey: pub}
	if req.Extract {
		final, err := psbt.Extract(p)
		if err != nil {
			return nil, fmt.Errorf("failed to extract transaction: %w", err)
		}
		var buf bytes.Buffer
		if err := final.Serialize(&buf); err != nil {
			return nil, err
		}
		out.Raw = buf.Bytes()
		out.Result = final.TxHash().String()
		return out, nil
	}

	encoded, err := EncodePSBT(p)
	if err != nil {
		return nil, err
	}
	out.Result = encoded
	return out, nil
}

func inputVBytes(pkScript []byte) int64 {
	if txscript.IsPayToTaproot(pkScript) {
		return p2trInputVBytes
	}
	return p2wpkhInputVBytes
}

// EstimateFee returns the fee in sats for a transaction shape
func EstimateFee(inputScripts [][]byte, outputs int, feeRate int64) int64 {
	vbytes := int64(txOverheadVBytes) + int64(outputs)*outputVBytes
	for _, s := range inputScripts {
		vbytes += inputVBytes(s)
	}
	return vbytes * feeRate
}

// Prepare builds the PSBT of a transfer from the sender's UTXOs
func (a *Adapter) Prepare(ctx context.Context, d chain.Descriptor, from string, p adapter.Payload) (adapter.Payload, error) {
	req, ok := p.Data.(*PSBTRequest)
	if p.Kind != adapter.KindTransfer || !ok || req.Transfer == nil || req.Packet != nil {
		return p, nil
	}
	net, err := params(d)
	if err != nil {
		return p, err
	}
	t := req.Transfer

	sender, err := btcutil.DecodeAddress(from, net)
	if err != nil {
		return p, fmt.Errorf("invalid sender address: %w", err)
	}
	recipient, err := btcutil.DecodeAddress(t.To, net)
	if err != nil {
		return p, fmt.Errorf("invalid recipient address: %w", err)
	}
	senderScript, err := txscript.PayToAddrScript(sender)
	if err != nil {
		return p, err
	}
	recipientScript, err := txscript.PayToAddrScript(recipient)
	if err != nil {
		return p, err
	}

	feeRate := t.FeeRate
	if feeRate <= 0 {
		fees, err := a.RecommendedFees(ctx, d)
		if err != nil {
			return p, err
		}
		feeRate = fees.HalfHourFee
		if feeRate <= 0 {
			feeRate = defaultFeeRateSats
		}
	}

	utxos, err := a.UTXOs(ctx, d, from)
	if err != nil {
		return p, err
	}

	var (
		inputs   []*wire.OutPoint
		scripts  [][]byte
		selected int64
		fee      int64
	)
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return p, fmt.Errorf("malformed utxo txid: %w", err)
		}
		inputs = append(inputs, wire.NewOutPoint(hash, u.Vout))
		scripts = append(scripts, senderScript)
		selected += u.Value

		fee = EstimateFee(scripts, 2, feeRate)
		if selected >= t.Amount+fee {
			break
		}
	}
	if selected < t.Amount+fee {
		return p, fmt.Errorf("%w: have %d sats, need %d", adapter.ErrInsufficientBalance, selected, t.Amount+fee)
	}

	outputs := []*wire.TxOut{wire.NewTxOut(t.Amount, recipientScript)}
	if change := selected - t.Amount - fee; change >= dustLimit {
		outputs = append(outputs, wire.NewTxOut(change, senderScript))
	}
	sequences := make([]uint32, len(inputs))
	for i := range sequences {
		sequences[i] = wire.MaxTxInSequenceNum - 2
	}

	packet, err := psbt.New(inputs, outputs, 2, 0, sequences)
	if err != nil {
		return p, fmt.Errorf("failed to build psbt: %w", err)
	}
	for i := range packet.Inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(utxos[i].Value, senderScript)
	}

	filled := *req
	filled.Packet = packet
	filled.Finalize = true
	filled.Extract = true
	p.Data = &filled
	return p, nil
}

// Spend reports what a payload moves out of address against its balance
func (a *Adapter) Spend(ctx context.Context, d chain.Descriptor, address string, p adapter.Payload) (adapter.Spend, error) {
	req, ok := p.Data.(*PSBTRequest)
	if !ok || req.Packet == nil {
		return adapter.Spend{}, fmt.Errorf("nothing to check")
	}
	net, err := params(d)
	if err != nil {
		return adapter.Spend{}, err
	}
	amount, fee, err := SpendOf(net, req.Packet, address)
	if err != nil {
		return adapter.Spend{}, err
	}

	balance, err := a.Balance(ctx, d, address)
	if err != nil {
		return adapter.Spend{}, err
	}
	return adapter.Spend{
		Amount:    decimal.NewFromInt(amount),
		Fee:       decimal.NewFromInt(fee),
		Available: decimal.NewFromInt(balance),
	}, nil
}

// SpendOf returns the sats a packet pays to others and its fee. The fee is
// zero when input values are unknown.
func SpendOf(net *chaincfg.Params, p *psbt.Packet, address string) (amount, fee int64, err error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address: %w", err)
	}
	own, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, 0, err
	}

	var outTotal int64
	for _, out := range p.UnsignedTx.TxOut {
		outTotal += out.Value
		if !bytes.Equal(out.PkScript, own) {
			amount += out.Value
		}
	}

	fetcher, err := prevOutFetcher(p)
	if err != nil {
		return amount, 0, nil
	}
	var inTotal int64
	for _, in := range p.UnsignedTx.TxIn {
		v := fetcher.FetchPrevOutput(in.PreviousOutPoint).Value
		if v > math.MaxInt64-inTotal {
			return 0, 0, fmt.Errorf("input values overflow")
		}
		inTotal += v
	}
	if inTotal < outTotal {
		return 0, 0, fmt.Errorf("outputs exceed inputs")
	}
	return amount, inTotal - outTotal, nil
}
