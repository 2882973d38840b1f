// Package fixtures provides test data factories for wallet tests.
package fixtures

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// =============================================================================
// ACCOUNT FIXTURES
// =============================================================================

const (
	// Mnemonic is the BIP-39 test vector used across the suite
	Mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	// EVMAddress is m/44'/60'/0'/0/0 of Mnemonic
	EVMAddress = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	// Password unlocks wallets created by the harness
	Password = "correct horse battery staple"
)

// Origin returns a unique origin so tests never share trust grants
func Origin() string {
	return fmt.Sprintf("https://dapp-%s.example", uuid.New().String()[:8])
}

// =============================================================================
// CHAIN FIXTURES
// =============================================================================

// OfflineChains returns the default descriptors of the given ids with every
// endpoint removed, so nothing in a test can reach the network
func OfflineChains(ids ...string) []chain.Descriptor {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []chain.Descriptor
	for _, d := range chain.Defaults() {
		if !want[d.ID] {
			continue
		}
		d.Endpoints = nil
		d.LCDEndpoints = nil
		d.MempoolURL = ""
		out = append(out, d)
	}
	return out
}

// =============================================================================
// PSBT FIXTURES
// =============================================================================

// PSBT builds an unsigned one-input packet paying amount satoshis to a
// fixed P2WPKH script and returns it base64 encoded
func PSBT(t *testing.T, amount int64) string {
	t.Helper()
	prev := chainhash.Hash{0x01}
	script := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	p, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(&prev, 0)},
		[]*wire.TxOut{wire.NewTxOut(amount, script)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		t.Fatalf("build psbt: %v", err)
	}
	s, err := p.B64Encode()
	if err != nil {
		t.Fatalf("encode psbt: %v", err)
	}
	return s
}

// PendingIDs returns the ids of a rendered queue in order
func PendingIDs(pending []types.PendingRequest) []string {
	out := make([]string, len(pending))
	for i, p := range pending {
		out[i] = p.ID
	}
	return out
}
