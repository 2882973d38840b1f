// Package adapter defines the chain-specific capabilities the core consumes.
// Dispatch and signing logic never embed chain cryptography directly; they
// hand a normalized Payload and a derived key to the family's ChainAdapter.
package adapter

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Kind selects how a payload is signed
type Kind string

// Payload kinds
const (
	KindMessage     Kind = "message"
	KindRawHash     Kind = "rawHash"
	KindTypedData   Kind = "typedData"
	KindTransaction Kind = "transaction"
	KindAmino       Kind = "amino"
	KindDirect      Kind = "direct"
	KindPSBT        Kind = "psbt"
	KindBIP322      Kind = "bip322"
	KindTransfer    Kind = "transfer"
)

// Payload is a schema-validated request body ready for an adapter
type Payload struct {
	Kind Kind
	// Bytes is the message, hash or serialized transaction
	Bytes []byte
	// Data carries family-specific structured input
	Data any
	// Address is the signer the request named
	Address string
	// Origin is the requesting site; some message formats embed it
	Origin string
}

// Signed is the outcome of a sign operation
type Signed struct {
	Signature []byte
	PublicKey []byte
	// Result is what the origin receives for a sign-only request
	Result any
	// Raw is the serialized signed transaction, when there is one to broadcast
	Raw []byte
}

// ChainAdapter is implemented once per chain family
type ChainAdapter interface {
	Family() types.ChainFamily
	DeriveAddress(d chain.Descriptor, pubkey []byte, at types.AccountType) (string, error)
	Sign(ctx context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p Payload) (*Signed, error)
}

// Broadcaster submits signed transactions. Broadcast talks to exactly one
// endpoint; failover across endpoints is the caller's job.
type Broadcaster interface {
	BroadcastEndpoints(d chain.Descriptor) []string
	Broadcast(ctx context.Context, d chain.Descriptor, endpoint string, raw []byte) (any, error)
}

// Preparer completes a payload with chain state before signing, for
// example nonce and gas on EVM or inputs and change on Bitcoin.
type Preparer interface {
	Prepare(ctx context.Context, d chain.Descriptor, from string, p Payload) (Payload, error)
}

// ErrInsufficientBalance is wrapped by adapters when a payload moves more
// than the signer holds
var ErrInsufficientBalance = errors.New("insufficient balance")

// Spend is the value a payload moves out of the signer's address
type Spend struct {
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Available decimal.Decimal
}

// Exceeds reports whether amount plus fee is more than the available balance
func (s Spend) Exceeds() bool {
	return s.Amount.Add(s.Fee).GreaterThan(s.Available)
}

// SpendChecker computes the spend of a payload against the live balance
type SpendChecker interface {
	Spend(ctx context.Context, d chain.Descriptor, address string, p Payload) (Spend, error)
}

// ZkProof is the cached zero-knowledge proof of a zkLogin account. The
// address seed is stored precomputed with the proof.
type ZkProof struct {
	ProofPoints struct {
		A []string   `json:"a"`
		B [][]string `json:"b"`
		C []string   `json:"c"`
	} `json:"proofPoints"`
	IssBase64Details struct {
		Value     string `json:"value"`
		IndexMod4 uint8  `json:"indexMod4"`
	} `json:"issBase64Details"`
	HeaderBase64 string `json:"headerBase64"`
	AddressSeed  string `json:"addressSeed"`
}

// ZkLoginSigner signs with an ephemeral key and wraps the signature with
// the cached proof into a composite zkLogin signature.
type ZkLoginSigner interface {
	SignZkLogin(ctx context.Context, d chain.Descriptor, ephemeral ed25519.PrivateKey, proof ZkProof, maxEpoch uint64, p Payload) (*Signed, error)
	CurrentEpoch(ctx context.Context, d chain.Descriptor) (uint64, error)
}

// RPCCaller forwards read-only JSON-RPC calls to the chain
type RPCCaller interface {
	Call(ctx context.Context, d chain.Descriptor, method string, params json.RawMessage) (json.RawMessage, error)
}

// Balance is one fetched asset balance
type Balance struct {
	AssetID string
	Coins   []types.Coin
	Locked  []types.Coin
}

// BalanceFetcher reads balances of an address. A token list names the
// non-native assets to include.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context, d chain.Descriptor, address string, tokens []chain.Token) ([]Balance, error)
}

// Stake is one staking position group of an address
type Stake struct {
	Kind    string
	Entries []types.StakeEntry
	Total   []types.Coin
}

// StakingFetcher reads staking positions of an address
type StakingFetcher interface {
	FetchStaking(ctx context.Context, d chain.Descriptor, address string) ([]Stake, error)
}

// Set maps each family to its adapter
type Set map[types.ChainFamily]ChainAdapter

// NewSet builds a Set from adapters
func NewSet(adapters ...ChainAdapter) Set {
	s := make(Set, len(adapters))
	for _, a := range adapters {
		s[a.Family()] = a
	}
	return s
}

// Get returns the adapter of family
func (s Set) Get(family types.ChainFamily) (ChainAdapter, error) {
	a, ok := s[family]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s", family)
	}
	return a, nil
}
