package types

import (
	"strconv"
	"strings"
	"time"
)

// AccountKind is how an account holds its signing material
type AccountKind string

// AccountKind constants
const (
	AccountMnemonic   AccountKind = "MNEMONIC"
	AccountPrivateKey AccountKind = "PRIVATE_KEY"
	AccountZkLogin    AccountKind = "ZKLOGIN"
)

// Standard reports whether keys are derived from a sealed root secret
func (k AccountKind) Standard() bool {
	return k == AccountMnemonic || k == AccountPrivateKey
}

// Account is a logical wallet identity
type Account struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Kind      AccountKind      `json:"kind"`
	Index     uint32           `json:"index"`
	Sealed    []byte           `json:"sealed,omitempty"`
	ZkLogin   *ZkLoginMaterial `json:"zkLogin,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ZkLoginMaterial is the sealed state of a zero-knowledge login account
type ZkLoginMaterial struct {
	Family             ChainFamily `json:"chainFamily"`
	Address            string      `json:"address"`
	Provider           string      `json:"provider"`
	MaxEpoch           uint64      `json:"maxEpoch"`
	SealedEphemeralKey []byte      `json:"sealedEphemeralKey"`
	SealedProof        []byte      `json:"sealedProof"`
}

// Public key styles
const (
	PubkeySecp256k1 = "secp256k1"
	PubkeyKeccak256 = "keccak256"
	PubkeyEd25519   = "ed25519"
	PubkeyP2WPKH    = "p2wpkh"
	PubkeyP2TR      = "p2tr"
)

// AccountType is one address derivation scheme supported by a chain
type AccountType struct {
	HDPath      string `json:"hdPath" mapstructure:"hd_path"`
	PubkeyStyle string `json:"pubkeyStyle" mapstructure:"pubkey_style"`
	IsDefault   bool   `json:"isDefault" mapstructure:"is_default"`
}

// PathFor substitutes the account index into the HD path template
func (t AccountType) PathFor(index uint32) string {
	return strings.ReplaceAll(t.HDPath, "${index}", strconv.FormatUint(uint64(index), 10))
}

// AccountAddress is a cached derivation result
type AccountAddress struct {
	AccountID   string      `json:"accountId"`
	ChainID     string      `json:"chainId"`
	Family      ChainFamily `json:"chainType"`
	Address     string      `json:"address"`
	PublicKey   string      `json:"publicKey"`
	AccountType AccountType `json:"accountType"`
}

// SameDerivation reports whether a cached address was produced by the same
// (chain, family, path, pubkey style) inputs and can be reused.
func (a AccountAddress) SameDerivation(chainID string, family ChainFamily, t AccountType) bool {
	return a.ChainID == chainID && a.Family == family &&
		a.AccountType.HDPath == t.HDPath && a.AccountType.PubkeyStyle == t.PubkeyStyle
}
