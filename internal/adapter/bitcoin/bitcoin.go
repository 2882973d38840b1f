// Package bitcoin implements the ChainAdapter for Bitcoin: segwit and
// taproot addresses, message signing, PSBT signing and mempool reads.
package bitcoin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/validation"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const messageMagic = "Bitcoin Signed Message:\n"

// Adapter signs Bitcoin payloads and reads a mempool.space compatible API
type Adapter struct {
	http     *http.Client
	breakers *endpoint.Breakers
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.Preparer       = (*Adapter)(nil)
	_ adapter.SpendChecker   = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
)

// New creates a Bitcoin adapter. breakers may be nil.
func New(client *http.Client, breakers *endpoint.Breakers) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{http: client, breakers: breakers}
}

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return types.FamilyBitcoin }

func params(d chain.Descriptor) (*chaincfg.Params, error) {
	return validation.BitcoinParams(d.Network)
}

// DeriveAddress encodes a compressed public key as P2WPKH or P2TR
func (a *Adapter) DeriveAddress(d chain.Descriptor, pubkey []byte, at types.AccountType) (string, error) {
	net, err := params(d)
	if err != nil {
		return "", err
	}
	addr, err := addressFor(net, pubkey, at.PubkeyStyle)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func addressFor(net *chaincfg.Params, pubkey []byte, style string) (btcutil.Address, error) {
	pub, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 public key: %w", err)
	}

	switch style {
	case types.PubkeyP2TR:
		tweaked := txscript.ComputeTaprootKeyNoScript(pub)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweaked), net)
	case types.PubkeyP2WPKH, "":
		return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), net)
	default:
		return nil, fmt.Errorf("unsupported bitcoin pubkey style %q", style)
	}
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(_ context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	if key == nil || key.Secp == nil {
		return nil, fmt.Errorf("bitcoin signing requires a secp256k1 key")
	}
	net, err := params(d)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case adapter.KindMessage:
		sig, err := SignMessage(key.Secp, p.Bytes)
		if err != nil {
			return nil, err
		}
		return &adapter.Signed{Signature: sig, PublicKey: key.PublicKey(), Result: base64.StdEncoding.EncodeToString(sig)}, nil

	case adapter.KindBIP322:
		addr, err := btcutil.DecodeAddress(p.Address, net)
		if err != nil {
			return nil, fmt.Errorf("invalid signer address: %w", err)
		}
		witness, err := SignBIP322Simple(key.Secp, addr, p.Bytes)
		if err != nil {
			return nil, err
		}
		return &adapter.Signed{Signature: witness, PublicKey: key.PublicKey(), Result: base64.StdEncoding.EncodeToString(witness)}, nil

	case adapter.KindPSBT, adapter.KindTransfer:
		req, ok := p.Data.(*PSBTRequest)
		if !ok {
			return nil, fmt.Errorf("psbt payload has type %T", p.Data)
		}
		return signPSBT(net, key.Secp, req)

	default:
		return nil, fmt.Errorf("unsupported bitcoin payload kind %q", p.Kind)
	}
}

// MessageHash is the double SHA-256 of the magic-prefixed message
func MessageHash(msg []byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarBytes(&buf, 0, msg)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a 65-byte compact signature for a compressed key
func SignMessage(priv *btcec.PrivateKey, msg []byte) ([]byte, error) {
	rsv, err := crypto.Sign(MessageHash(msg), priv.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig := make([]byte, 65)
	sig[0] = 27 + 4 + rsv[64]
	copy(sig[1:], rsv[:64])
	return sig, nil
}

// taggedHash implements BIP-340 tagged hashing
func taggedHash(tag string, msg []byte) []byte {
	t := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(t[:])
	h.Write(t[:])
	h.Write(msg)
	return h.Sum(nil)
}

// bip322Txs builds the virtual to_spend and unsigned to_sign transactions
func bip322Txs(pkScript, msg []byte) (*wire.MsgTx, *wire.MsgTx, error) {
	scriptSig, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(taggedHash("BIP0322-signed-message", msg)).
		Script()
	if err != nil {
		return nil, nil, err
	}

	toSpend := wire.NewMsgTx(0)
	toSpend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  scriptSig,
		Sequence:         0,
	})
	toSpend.AddTxOut(wire.NewTxOut(0, pkScript))

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).Script()
	if err != nil {
		return nil, nil, err
	}
	toSign := wire.NewMsgTx(0)
	toSign.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: toSpend.TxHash(), Index: 0},
		Sequence:         0,
	})
	toSign.AddTxOut(wire.NewTxOut(0, opReturn))
	return toSpend, toSign, nil
}

// SignBIP322Simple returns the serialized witness of a BIP-322 simple signature
func SignBIP322Simple(priv *btcec.PrivateKey, addr btcutil.Address, msg []byte) ([]byte, error) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	_, toSign, err := bip322Txs(pkScript, msg)
	if err != nil {
		return nil, err
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 0)
	sigHashes := txscript.NewTxSigHashes(toSign, fetcher)

	var witness wire.TxWitness
	switch addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		sig, err := txscript.RawTxInWitnessSignature(toSign, sigHashes, 0, 0, pkScript, txscript.SigHashAll, priv)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		witness = wire.TxWitness{sig, priv.PubKey().SerializeCompressed()}
	case *btcutil.AddressTaproot:
		sig, err := txscript.RawTxInTaprootSignature(toSign, sigHashes, 0, 0, pkScript, nil, txscript.SigHashDefault, priv)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		witness = wire.TxWitness{sig}
	default:
		return nil, fmt.Errorf("bip322-simple does not support %T", addr)
	}
	return serializeWitness(witness)
}

func serializeWitness(w wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(w))); err != nil {
		return nil, err
	}
	for _, item := range w {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
