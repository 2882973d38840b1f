package mocks

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Adapter is a configurable ChainAdapter. Every optional capability is
// implemented; unset hooks fall back to deterministic defaults.
type Adapter struct {
	mu     sync.Mutex
	family types.ChainFamily

	SignFunc      func(ctx context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error)
	PrepareFunc   func(ctx context.Context, d chain.Descriptor, from string, p adapter.Payload) (adapter.Payload, error)
	SpendFunc     func(ctx context.Context, d chain.Descriptor, address string, p adapter.Payload) (adapter.Spend, error)
	BroadcastFunc func(ctx context.Context, endpoint string, raw []byte) (any, error)
	CallFunc      func(ctx context.Context, d chain.Descriptor, method string, params json.RawMessage) (json.RawMessage, error)
	BalanceFunc   func(ctx context.Context, d chain.Descriptor, address string) ([]adapter.Balance, error)
	StakingFunc   func(ctx context.Context, d chain.Descriptor, address string) ([]adapter.Stake, error)
	EpochFunc     func(ctx context.Context, d chain.Descriptor) (uint64, error)

	signed     []adapter.Payload
	broadcasts []string
	zkSigned   int
}

// NewAdapter creates a mock adapter for family
func NewAdapter(family types.ChainFamily) *Adapter {
	return &Adapter{family: family}
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.Preparer       = (*Adapter)(nil)
	_ adapter.SpendChecker   = (*Adapter)(nil)
	_ adapter.ZkLoginSigner  = (*Adapter)(nil)
	_ adapter.RPCCaller      = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
	_ adapter.StakingFetcher = (*Adapter)(nil)
)

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return a.family }

// DeriveAddress returns a stable fake address derived from pubkey
func (a *Adapter) DeriveAddress(_ chain.Descriptor, pubkey []byte, _ types.AccountType) (string, error) {
	sum := sha256.Sum256(pubkey)
	return "0x" + hex.EncodeToString(sum[:20]), nil
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(ctx context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	a.mu.Lock()
	a.signed = append(a.signed, p)
	fn := a.SignFunc
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, d, key, p)
	}
	sum := sha256.Sum256(append([]byte(p.Kind), p.Bytes...))
	return &adapter.Signed{
		Signature: sum[:],
		Result:    "0x" + hex.EncodeToString(sum[:]),
		Raw:       sum[:],
	}, nil
}

// Prepare implements adapter.Preparer
func (a *Adapter) Prepare(ctx context.Context, d chain.Descriptor, from string, p adapter.Payload) (adapter.Payload, error) {
	if a.PrepareFunc != nil {
		return a.PrepareFunc(ctx, d, from, p)
	}
	return p, nil
}

// Spend implements adapter.SpendChecker
func (a *Adapter) Spend(ctx context.Context, d chain.Descriptor, address string, p adapter.Payload) (adapter.Spend, error) {
	if a.SpendFunc != nil {
		return a.SpendFunc(ctx, d, address, p)
	}
	return adapter.Spend{}, nil
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return d.Endpoints }

// Broadcast implements adapter.Broadcaster and records the endpoint used
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, endpoint string, raw []byte) (any, error) {
	a.mu.Lock()
	a.broadcasts = append(a.broadcasts, endpoint)
	fn := a.BroadcastFunc
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, endpoint, raw)
	}
	return "0x" + hex.EncodeToString(raw), nil
}

// Call implements adapter.RPCCaller
func (a *Adapter) Call(ctx context.Context, d chain.Descriptor, method string, params json.RawMessage) (json.RawMessage, error) {
	if a.CallFunc != nil {
		return a.CallFunc(ctx, d, method, params)
	}
	return nil, fmt.Errorf("mock: %s not stubbed", method)
}

// FetchBalances implements adapter.BalanceFetcher
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, _ []chain.Token) ([]adapter.Balance, error) {
	if a.BalanceFunc != nil {
		return a.BalanceFunc(ctx, d, address)
	}
	return nil, nil
}

// FetchStaking implements adapter.StakingFetcher
func (a *Adapter) FetchStaking(ctx context.Context, d chain.Descriptor, address string) ([]adapter.Stake, error) {
	if a.StakingFunc != nil {
		return a.StakingFunc(ctx, d, address)
	}
	return nil, nil
}

// SignZkLogin implements adapter.ZkLoginSigner
func (a *Adapter) SignZkLogin(_ context.Context, _ chain.Descriptor, ephemeral ed25519.PrivateKey, proof adapter.ZkProof, maxEpoch uint64, p adapter.Payload) (*adapter.Signed, error) {
	a.mu.Lock()
	a.zkSigned++
	a.mu.Unlock()
	sig := ed25519.Sign(ephemeral, p.Bytes)
	return &adapter.Signed{
		Signature: sig,
		Result:    fmt.Sprintf("zk:%s:%d", proof.AddressSeed, maxEpoch),
		Raw:       sig,
	}, nil
}

// CurrentEpoch implements adapter.ZkLoginSigner
func (a *Adapter) CurrentEpoch(ctx context.Context, d chain.Descriptor) (uint64, error) {
	if a.EpochFunc != nil {
		return a.EpochFunc(ctx, d)
	}
	return 0, nil
}

// Signed returns the payloads passed to Sign
func (a *Adapter) Signed() []adapter.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.Payload(nil), a.signed...)
}

// Broadcasts returns the endpoints Broadcast was called with, in order
func (a *Adapter) Broadcasts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.broadcasts...)
}

// ZkSigned returns how many zkLogin signatures were produced
func (a *Adapter) ZkSigned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zkSigned
}
