// Package move implements the ChainAdapter for the Sui and IOTA networks,
// which share address derivation, intent signing and JSON-RPC dialect and
// differ only in method prefix.
package move

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/crypto/blake2b"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/bcs"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Signature scheme flags
const (
	FlagEd25519 byte = 0x00
	FlagZkLogin byte = 0x05
)

// Intent scopes
var (
	intentTransaction     = []byte{0, 0, 0}
	intentPersonalMessage = []byte{3, 0, 0}
)

// SignedPayload is the result of a sign request and the broadcast envelope
type SignedPayload struct {
	Bytes     string `json:"bytes"`
	Signature string `json:"signature"`
}

// Adapter signs and reads one Move network family
type Adapter struct {
	family      types.ChainFamily
	prefix      string
	systemState string
	breakers    *endpoint.Breakers
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.RPCCaller      = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
	_ adapter.StakingFetcher = (*Adapter)(nil)
	_ adapter.ZkLoginSigner  = (*Adapter)(nil)
)

// NewSui creates the Sui adapter
func NewSui(breakers *endpoint.Breakers) *Adapter {
	return &Adapter{family: types.FamilySui, prefix: "sui", systemState: "suix_getLatestSuiSystemState", breakers: breakers}
}

// NewIOTA creates the IOTA adapter
func NewIOTA(breakers *endpoint.Breakers) *Adapter {
	return &Adapter{family: types.FamilyIOTA, prefix: "iota", systemState: "iotax_getLatestIotaSystemState", breakers: breakers}
}

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return a.family }

// Prefix is the JSON-RPC method prefix of the network
func (a *Adapter) Prefix() string { return a.prefix }

// Address returns the address of an ed25519 public key
func Address(pubkey []byte) string {
	h := blake2b.Sum256(append([]byte{FlagEd25519}, pubkey...))
	return "0x" + hex.EncodeToString(h[:])
}

// DeriveAddress implements adapter.ChainAdapter
func (a *Adapter) DeriveAddress(_ chain.Descriptor, pubkey []byte, _ types.AccountType) (string, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("expected a %d-byte ed25519 public key, got %d", ed25519.PublicKeySize, len(pubkey))
	}
	return Address(pubkey), nil
}

// messageDigest is blake2b-256 over intent || message
func messageDigest(intent, msg []byte) []byte {
	h := blake2b.Sum256(append(append([]byte{}, intent...), msg...))
	return h[:]
}

func personalMessage(msg []byte) []byte {
	var w bcs.Writer
	w.Vec(msg)
	return w.Bytes()
}

// serializedSignature is flag || signature || public key
func serializedSignature(priv ed25519.PrivateKey, digest []byte) []byte {
	sig := ed25519.Sign(priv, digest)
	pub := priv.Public().(ed25519.PublicKey)
	out := make([]byte, 0, 1+len(sig)+len(pub))
	out = append(out, FlagEd25519)
	out = append(out, sig...)
	return append(out, pub...)
}

func (a *Adapter) sign(priv ed25519.PrivateKey, p adapter.Payload) (userSig []byte, err error) {
	switch p.Kind {
	case adapter.KindMessage:
		return serializedSignature(priv, messageDigest(intentPersonalMessage, personalMessage(p.Bytes))), nil
	case adapter.KindTransaction:
		if len(p.Bytes) == 0 {
			return nil, fmt.Errorf("transaction bytes are empty")
		}
		return serializedSignature(priv, messageDigest(intentTransaction, p.Bytes)), nil
	default:
		return nil, fmt.Errorf("unsupported %s payload kind %q", a.prefix, p.Kind)
	}
}

func signed(p adapter.Payload, sig, pub []byte) (*adapter.Signed, error) {
	out := SignedPayload{
		Bytes:     base64.StdEncoding.EncodeToString(p.Bytes),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	s := &adapter.Signed{Signature: sig, PublicKey: pub, Result: out}
	if p.Kind == adapter.KindTransaction {
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		s.Raw = raw
	}
	return s, nil
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(_ context.Context, _ chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	if key == nil || key.Ed == nil {
		return nil, fmt.Errorf("%s signing requires an ed25519 key", a.prefix)
	}
	sig, err := a.sign(key.Ed, p)
	if err != nil {
		return nil, err
	}
	return signed(p, sig, key.PublicKey())
}

// SignZkLogin signs with the ephemeral key and wraps the result with the
// proof into a zkLogin signature.
func (a *Adapter) SignZkLogin(_ context.Context, _ chain.Descriptor, ephemeral ed25519.PrivateKey, proof adapter.ZkProof, maxEpoch uint64, p adapter.Payload) (*adapter.Signed, error) {
	if len(ephemeral) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ephemeral key")
	}
	userSig, err := a.sign(ephemeral, p)
	if err != nil {
		return nil, err
	}
	return signed(p, ZkLoginSignature(proof, maxEpoch, userSig), ephemeral.Public().(ed25519.PublicKey))
}

// ZkLoginSignature serializes flag || BCS(inputs, maxEpoch, userSignature)
func ZkLoginSignature(proof adapter.ZkProof, maxEpoch uint64, userSig []byte) []byte {
	var w bcs.Writer
	w.U8(FlagZkLogin)

	w.Strs(proof.ProofPoints.A)
	w.Uleb128(uint64(len(proof.ProofPoints.B)))
	for _, row := range proof.ProofPoints.B {
		w.Strs(row)
	}
	w.Strs(proof.ProofPoints.C)
	w.Str(proof.IssBase64Details.Value)
	w.U8(proof.IssBase64Details.IndexMod4)
	w.Str(proof.HeaderBase64)
	w.Str(proof.AddressSeed)

	w.U64(maxEpoch)
	w.Vec(userSig)
	return w.Bytes()
}

func (a *Adapter) call(ctx context.Context, url string, out any, method string, args ...any) error {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC: %w", err)
	}
	defer c.Close()
	return c.CallContext(ctx, out, method, args...)
}

// CurrentEpoch reads the epoch from the latest system state
func (a *Adapter) CurrentEpoch(ctx context.Context, d chain.Descriptor) (uint64, error) {
	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) (uint64, error) {
		var state struct {
			Epoch string `json:"epoch"`
		}
		if err := a.call(ctx, url, &state, a.systemState); err != nil {
			return 0, err
		}
		return strconv.ParseUint(state.Epoch, 10, 64)
	})
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return d.Endpoints }

// Broadcast executes a signed transaction block on one full node
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, url string, raw []byte) (any, error) {
	var env SignedPayload
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed signed transaction: %w", err)
	}
	opts := map[string]bool{"showEffects": true, "showEvents": true, "showObjectChanges": true}

	var out json.RawMessage
	if err := a.call(ctx, url, &out, a.prefix+"_executeTransactionBlock", env.Bytes, []string{env.Signature}, opts, "WaitForLocalExecution"); err != nil {
		return nil, err
	}
	var check struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(out, &check); err != nil || check.Digest == "" {
		return nil, fmt.Errorf("execute response carries no digest")
	}
	return out, nil
}

// Call forwards a read-only method, racing the chain's endpoints
func (a *Adapter) Call(ctx context.Context, d chain.Descriptor, method string, params json.RawMessage) (json.RawMessage, error) {
	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("params must be an array: %w", err)
		}
	}
	argv := make([]any, len(args))
	for i, arg := range args {
		argv[i] = arg
	}

	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) (json.RawMessage, error) {
		var out json.RawMessage
		if err := a.call(ctx, url, &out, method, argv...); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// FetchBalances reads every coin balance of address
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, _ []chain.Token) ([]adapter.Balance, error) {
	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) ([]adapter.Balance, error) {
		var balances []struct {
			CoinType     string `json:"coinType"`
			TotalBalance string `json:"totalBalance"`
		}
		if err := a.call(ctx, url, &balances, a.prefix+"x_getAllBalances", address); err != nil {
			return nil, err
		}

		out := make([]adapter.Balance, 0, len(balances))
		for _, b := range balances {
			assetID := b.CoinType
			if b.CoinType == d.MainAssetDenom {
				assetID = ""
			}
			out = append(out, adapter.Balance{AssetID: assetID, Coins: []types.Coin{{Denom: b.CoinType, Amount: b.TotalBalance}}})
		}
		return out, nil
	})
}

type stakeEntry struct {
	Principal       string `json:"principal"`
	Status          string `json:"status"`
	EstimatedReward string `json:"estimatedReward"`
}

// FetchStaking reads delegated stakes and their estimated rewards
func (a *Adapter) FetchStaking(ctx context.Context, d chain.Descriptor, address string) ([]adapter.Stake, error) {
	if !d.SupportsStaking {
		return nil, nil
	}
	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) ([]adapter.Stake, error) {
		var pools []struct {
			ValidatorAddress string       `json:"validatorAddress"`
			Stakes           []stakeEntry `json:"stakes"`
		}
		if err := a.call(ctx, url, &pools, a.prefix+"x_getStakes", address); err != nil {
			return nil, err
		}

		delegated := adapter.Stake{Kind: types.StakeDelegation, Entries: []types.StakeEntry{}}
		rewards := adapter.Stake{Kind: types.StakeReward, Entries: []types.StakeEntry{}}
		var principal, reward uint64
		for _, pool := range pools {
			for _, s := range pool.Stakes {
				delegated.Entries = append(delegated.Entries, types.StakeEntry{
					Validator: pool.ValidatorAddress,
					Coins:     []types.Coin{{Denom: d.MainAssetDenom, Amount: s.Principal}},
				})
				if v, err := strconv.ParseUint(s.Principal, 10, 64); err == nil {
					principal += v
				}
				if s.EstimatedReward == "" {
					continue
				}
				rewards.Entries = append(rewards.Entries, types.StakeEntry{
					Validator: pool.ValidatorAddress,
					Coins:     []types.Coin{{Denom: d.MainAssetDenom, Amount: s.EstimatedReward}},
				})
				if v, err := strconv.ParseUint(s.EstimatedReward, 10, 64); err == nil {
					reward += v
				}
			}
		}
		delegated.Total = []types.Coin{{Denom: d.MainAssetDenom, Amount: strconv.FormatUint(principal, 10)}}
		rewards.Total = []types.Coin{{Denom: d.MainAssetDenom, Amount: strconv.FormatUint(reward, 10)}}
		return []adapter.Stake{delegated, rewards}, nil
	})
}
