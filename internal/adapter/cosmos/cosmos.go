// Package cosmos implements the ChainAdapter for Cosmos SDK chains: bech32
// addresses, amino/direct/ADR-036 signing and LCD reads.
package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Public key type URLs in amino JSON
const (
	PubKeySecp256k1    = "tendermint/PubKeySecp256k1"
	PubKeyEthSecp256k1 = "ethermint/PubKeyEthSecp256k1"
)

// PubKey is an amino JSON public key
type PubKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StdSignature is an amino JSON signature
type StdSignature struct {
	PubKey    PubKey `json:"pub_key"`
	Signature string `json:"signature"`
}

// SignResponse is returned for cos_signAmino and cos_signDirect
type SignResponse struct {
	Signed    any          `json:"signed_doc"`
	Signature StdSignature `json:"signature"`
	PubKey    PubKey       `json:"pub_key"`
}

// Adapter signs and reads Cosmos SDK chains
type Adapter struct {
	http     *http.Client
	breakers *endpoint.Breakers
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
	_ adapter.StakingFetcher = (*Adapter)(nil)
)

// New creates a Cosmos adapter. breakers may be nil.
func New(client *http.Client, breakers *endpoint.Breakers) *Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{http: client, breakers: breakers}
}

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return types.FamilyCosmos }

func ethStyle(d chain.Descriptor) bool {
	at, ok := d.DefaultAccountType()
	return ok && at.PubkeyStyle == types.PubkeyKeccak256
}

// DeriveAddress encodes the account hash of a compressed secp256k1 key
// with the chain's bech32 prefix. Ethermint-style chains hash with keccak.
func (a *Adapter) DeriveAddress(d chain.Descriptor, pubkey []byte, at types.AccountType) (string, error) {
	if d.AccountPrefix == "" {
		return "", fmt.Errorf("chain %s has no account prefix", d.ID)
	}

	var hash []byte
	if at.PubkeyStyle == types.PubkeyKeccak256 {
		pub, err := btcec.ParsePubKey(pubkey)
		if err != nil {
			return "", fmt.Errorf("invalid secp256k1 public key: %w", err)
		}
		hash = crypto.Keccak256(pub.SerializeUncompressed()[1:])[12:]
	} else {
		if len(pubkey) != btcec.PubKeyBytesLenCompressed {
			return "", fmt.Errorf("expected a compressed public key, got %d bytes", len(pubkey))
		}
		hash = btcutil.Hash160(pubkey)
	}
	return encodeBech32(d.AccountPrefix, hash)
}

func encodeBech32(prefix string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

func pubKeyOf(d chain.Descriptor, key *keyexec.PrivateKey) PubKey {
	typ := PubKeySecp256k1
	if ethStyle(d) {
		typ = PubKeyEthSecp256k1
	}
	return PubKey{Type: typ, Value: base64.StdEncoding.EncodeToString(key.PublicKey())}
}

func digest(d chain.Descriptor, msg []byte) []byte {
	if ethStyle(d) {
		return crypto.Keccak256(msg)
	}
	h := sha256.Sum256(msg)
	return h[:]
}

// signBytes returns the 64-byte r||s signature over the chain's digest of msg
func signBytes(d chain.Descriptor, key *keyexec.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest(d, msg), key.Secp.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig[:64], nil
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(_ context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	if key == nil || key.Secp == nil {
		return nil, fmt.Errorf("cosmos signing requires a secp256k1 key")
	}
	pub := pubKeyOf(d, key)

	switch p.Kind {
	case adapter.KindAmino:
		doc, ok := p.Data.(json.RawMessage)
		if !ok {
			return nil, fmt.Errorf("amino payload has type %T", p.Data)
		}
		msg, err := SortedJSON(doc)
		if err != nil {
			return nil, err
		}
		sig, err := signBytes(d, key, msg)
		if err != nil {
			return nil, err
		}
		std := StdSignature{PubKey: pub, Signature: base64.StdEncoding.EncodeToString(sig)}
		return &adapter.Signed{
			Signature: sig,
			PublicKey: key.PublicKey(),
			Result:    SignResponse{Signed: json.RawMessage(msg), Signature: std, PubKey: pub},
		}, nil

	case adapter.KindDirect:
		doc, ok := p.Data.(DirectSignDoc)
		if !ok {
			return nil, fmt.Errorf("direct payload has type %T", p.Data)
		}
		sig, err := signBytes(d, key, doc.Marshal())
		if err != nil {
			return nil, err
		}
		std := StdSignature{PubKey: pub, Signature: base64.StdEncoding.EncodeToString(sig)}
		return &adapter.Signed{
			Signature: sig,
			PublicKey: key.PublicKey(),
			Result:    SignResponse{Signed: doc, Signature: std, PubKey: pub},
			Raw:       TxRaw(doc.BodyBytes, doc.AuthInfoBytes, sig),
		}, nil

	case adapter.KindMessage:
		msg, err := SortedJSON(ADR036Doc(p.Address, p.Bytes))
		if err != nil {
			return nil, err
		}
		sig, err := signBytes(d, key, msg)
		if err != nil {
			return nil, err
		}
		return &adapter.Signed{
			Signature: sig,
			PublicKey: key.PublicKey(),
			Result:    StdSignature{PubKey: pub, Signature: base64.StdEncoding.EncodeToString(sig)},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported cosmos payload kind %q", p.Kind)
	}
}

// VerifyMessage checks an ADR-036 signature. The public key must hash to
// signer on this chain.
func (a *Adapter) VerifyMessage(d chain.Descriptor, signer string, data []byte, sigB64, pubB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return false, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(sig) != 64 {
		return false, fmt.Errorf("signature must be 64 bytes")
	}

	at, _ := d.DefaultAccountType()
	addr, err := a.DeriveAddress(d, pub, at)
	if err != nil {
		return false, err
	}
	if addr != signer {
		return false, nil
	}

	msg, err := SortedJSON(ADR036Doc(signer, data))
	if err != nil {
		return false, err
	}
	return crypto.VerifySignature(pub, digest(d, msg), sig), nil
}
