package types

import (
	"strings"
	"time"
)

// Coin is an amount of one denomination, in base units
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// BalanceRecord is a cached balance for one identity tuple
type BalanceRecord struct {
	AccountID string      `json:"accountId"`
	ChainID   string      `json:"chainId"`
	Family    ChainFamily `json:"chainType"`
	Address   string      `json:"address"`
	AssetID   string      `json:"assetId,omitempty"`
	Coins     []Coin      `json:"coins"`
	Locked    []Coin      `json:"locked,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Key returns the upsert identity of the record. Addresses compare
// case-insensitively.
func (r BalanceRecord) Key() string {
	return identityKey(r.AccountID, r.ChainID, r.Family, r.Address, r.AssetID)
}

// Staking record kinds
const (
	StakeDelegation = "delegation"
	StakeUnbonding  = "unbonding"
	StakeReward     = "reward"
)

// StakeEntry is one position with a validator
type StakeEntry struct {
	Validator      string     `json:"validator"`
	Coins          []Coin     `json:"coins"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`
}

// DelegationRecord is a cached staking snapshot for one identity tuple
type DelegationRecord struct {
	AccountID string       `json:"accountId"`
	ChainID   string       `json:"chainId"`
	Family    ChainFamily  `json:"chainType"`
	Address   string       `json:"address"`
	AssetID   string       `json:"assetId,omitempty"`
	Kind      string       `json:"kind"`
	Entries   []StakeEntry `json:"entries"`
	Total     []Coin       `json:"total,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Key returns the upsert identity of the record
func (r DelegationRecord) Key() string {
	return identityKey(r.AccountID, r.ChainID, r.Family, r.Address, r.AssetID) + "|" + r.Kind
}

func identityKey(accountID, chainID string, family ChainFamily, address, assetID string) string {
	return strings.Join([]string{accountID, chainID, string(family), strings.ToLower(address), assetID}, "|")
}
