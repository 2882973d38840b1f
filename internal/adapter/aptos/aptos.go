// Package aptos implements the ChainAdapter for Aptos networks
package aptos

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/bcs"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const (
	// MessagePrefix starts every signed off-chain message
	MessagePrefix = "APTOS"

	signedTxContentType = "application/x.aptos.signed_transaction+bcs"

	schemeEd25519 = 0x00
	feePayerTag   = 0x01
)

// MessageRequest selects which fields are embedded in a signed message
type MessageRequest struct {
	Message     string `json:"message"`
	Nonce       uint64 `json:"nonce"`
	Address     bool   `json:"address,omitempty"`
	Application bool   `json:"application,omitempty"`
	ChainID     bool   `json:"chainId,omitempty"`
}

// MessageResponse is returned for aptos_signMessage
type MessageResponse struct {
	Address     string `json:"address"`
	Application string `json:"application"`
	ChainID     uint64 `json:"chainId"`
	Message     string `json:"message"`
	Nonce       uint64 `json:"nonce"`
	FullMessage string `json:"fullMessage"`
	Prefix      string `json:"prefix"`
	Signature   string `json:"signature"`
}

// TxOptions accompany a serialized transaction
type TxOptions struct {
	AsFeePayer bool `json:"asFeePayer,omitempty"`
}

// Adapter signs and reads Aptos networks over the fullnode REST API
type Adapter struct {
	http     *http.Client
	breakers *endpoint.Breakers
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
)

// New creates the Aptos adapter
func New(client *http.Client, breakers *endpoint.Breakers) *Adapter {
	return &Adapter{http: client, breakers: breakers}
}

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return types.FamilyAptos }

// Address returns the single-key account address of an ed25519 public key
func Address(pubkey []byte) string {
	h := sha3.Sum256(append(append([]byte{}, pubkey...), schemeEd25519))
	return "0x" + hex.EncodeToString(h[:])
}

// DeriveAddress implements adapter.ChainAdapter
func (a *Adapter) DeriveAddress(_ chain.Descriptor, pubkey []byte, _ types.AccountType) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("expected a %d-byte ed25519 public key, got %d", ed25519.PublicKeySize, len(pubkey))
	}
	return Address(pubkey), nil
}

// NumericChainID parses the descriptor chain id, hex or decimal, defaulting to mainnet
func NumericChainID(d chain.Descriptor) uint64 {
	if id, err := strconv.ParseUint(d.ChainID, 0, 8); err == nil {
		return id
	}
	return 1
}

// FullMessage builds the text that is actually signed for a message request
func FullMessage(d chain.Descriptor, address, origin string, req MessageRequest) string {
	var b strings.Builder
	b.WriteString(MessagePrefix)
	if req.Address {
		b.WriteString("\naddress: " + address)
	}
	if req.Application {
		b.WriteString("\napplication: " + origin)
	}
	if req.ChainID {
		b.WriteString("\nchainId: " + strconv.FormatUint(NumericChainID(d), 10))
	}
	b.WriteString("\nmessage: " + req.Message)
	b.WriteString("\nnonce: " + strconv.FormatUint(req.Nonce, 10))
	return b.String()
}

func domainHash(domain string) []byte {
	h := sha3.Sum256([]byte(domain))
	return h[:]
}

// simpleTx is a raw transaction followed by an optional fee payer address
type simpleTx struct {
	raw      []byte
	feePayer []byte
}

// parseSimpleTx splits the trailing fee payer option off a serialized
// transaction. A fee payer is assumed only when asFeePayer is set or the
// none marker is absent.
func parseSimpleTx(b []byte, asFeePayer bool) (simpleTx, error) {
	n := len(b)
	hasFeePayer := n > 33 && b[n-33] == feePayerTag
	if !asFeePayer && n > 1 && b[n-1] == 0x00 {
		return simpleTx{raw: b[:n-1]}, nil
	}
	if hasFeePayer {
		return simpleTx{raw: b[:n-33], feePayer: b[n-32:]}, nil
	}
	if asFeePayer {
		return simpleTx{}, fmt.Errorf("transaction has no fee payer")
	}
	return simpleTx{}, fmt.Errorf("malformed serialized transaction")
}

// signingMessage is the domain-separated preimage signed for a transaction
func (tx simpleTx) signingMessage() []byte {
	if tx.feePayer == nil {
		return append(domainHash("APTOS::RawTransaction"), tx.raw...)
	}
	var w bcs.Writer
	w.Fixed(domainHash("APTOS::RawTransactionWithData"))
	w.Uleb128(1) // MultiAgentWithFeePayer
	w.Fixed(tx.raw)
	w.Uleb128(0) // no secondary signers
	w.Fixed(tx.feePayer)
	return w.Bytes()
}

// accountAuthenticator encodes AccountAuthenticator::Ed25519
func accountAuthenticator(pub, sig []byte) []byte {
	var w bcs.Writer
	w.Uleb128(schemeEd25519)
	w.Vec(pub)
	w.Vec(sig)
	return w.Bytes()
}

// signedTransaction encodes a raw transaction with TransactionAuthenticator::Ed25519
func signedTransaction(raw, pub, sig []byte) []byte {
	var w bcs.Writer
	w.Fixed(raw)
	w.Uleb128(schemeEd25519)
	w.Vec(pub)
	w.Vec(sig)
	return w.Bytes()
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(_ context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	if key == nil || key.Ed == nil {
		return nil, fmt.Errorf("aptos signing requires an ed25519 key")
	}
	pub := key.PublicKey()

	switch p.Kind {
	case adapter.KindMessage:
		req, ok := p.Data.(*MessageRequest)
		if !ok {
			return nil, fmt.Errorf("message payload requires a message request")
		}
		address := Address(pub)
		full := FullMessage(d, address, p.Origin, *req)
		sig := ed25519.Sign(key.Ed, []byte(full))

		var w bcs.Writer
		w.Vec(sig)
		return &adapter.Signed{Signature: sig, PublicKey: pub, Result: MessageResponse{
			Address:     address,
			Application: p.Origin,
			ChainID:     NumericChainID(d),
			Message:     req.Message,
			Nonce:       req.Nonce,
			FullMessage: full,
			Prefix:      MessagePrefix,
			Signature:   hex.EncodeToString(w.Bytes()),
		}}, nil

	case adapter.KindTransaction:
		var opts TxOptions
		if o, ok := p.Data.(*TxOptions); ok && o != nil {
			opts = *o
		}
		tx, err := parseSimpleTx(p.Bytes, opts.AsFeePayer)
		if err != nil {
			return nil, err
		}
		if opts.AsFeePayer {
			addr, _ := hex.DecodeString(strings.TrimPrefix(Address(pub), "0x"))
			tx.feePayer = addr
		}
		sig := ed25519.Sign(key.Ed, tx.signingMessage())

		out := &adapter.Signed{Signature: sig, PublicKey: pub, Result: hex.EncodeToString(accountAuthenticator(pub, sig))}
		// only a self-paid transaction can be submitted with a single signature
		if tx.feePayer == nil {
			out.Raw = signedTransaction(tx.raw, pub, sig)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported aptos payload kind %q", p.Kind)
	}
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return d.Endpoints }

// Broadcast submits a BCS signed transaction and returns the pending
// transaction response.
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, base string, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("transaction cannot be submitted without a fee payer signature")
	}
	var out json.RawMessage
	if err := adapter.PostRaw(ctx, a.http, adapter.JoinURL(base, "/v1/transactions"), signedTxContentType, raw, &out); err != nil {
		return nil, err
	}
	var check struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(out, &check); err != nil || check.Hash == "" {
		return nil, fmt.Errorf("submit response carries no hash")
	}
	return out, nil
}

type resource struct {
	Type string `json:"type"`
	Data struct {
		Coin struct {
			Value string `json:"value"`
		} `json:"coin"`
	} `json:"data"`
}

const coinStorePrefix = "0x1::coin::CoinStore<"

// FetchBalances reads CoinStore resources, racing the endpoints
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, _ []chain.Token) ([]adapter.Balance, error) {
	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, base string) ([]adapter.Balance, error) {
		var resources []resource
		if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(base, "/v1/accounts/"+address+"/resources"), &resources); err != nil {
			var se *adapter.StatusError
			// an account that was never funded has no resources yet
			if errors.As(err, &se) && se.Status == http.StatusNotFound {
				return []adapter.Balance{{Coins: []types.Coin{{Denom: d.MainAssetDenom, Amount: "0"}}}}, nil
			}
			return nil, err
		}

		var out []adapter.Balance
		for _, r := range resources {
			if !strings.HasPrefix(r.Type, coinStorePrefix) || !strings.HasSuffix(r.Type, ">") {
				continue
			}
			coinType := strings.TrimSuffix(strings.TrimPrefix(r.Type, coinStorePrefix), ">")
			assetID := coinType
			if coinType == d.MainAssetDenom {
				assetID = ""
			}
			out = append(out, adapter.Balance{AssetID: assetID, Coins: []types.Coin{{Denom: coinType, Amount: r.Data.Coin.Value}}})
		}
		return out, nil
	})
}
