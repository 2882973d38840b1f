package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/better-wallet/wallet-core/internal/storage"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const (
	selectionKey    = "currentNetwork"
	customChainsKey = "customChains"
)

// Descriptor is the read-only description of one chain
type Descriptor struct {
	Family          types.ChainFamily   `json:"family" mapstructure:"family"`
	ID              string              `json:"id" mapstructure:"id"`
	Name            string              `json:"name" mapstructure:"name"`
	ChainID         string              `json:"chainId" mapstructure:"chain_id"`
	Network         string              `json:"network,omitempty" mapstructure:"network"`
	Endpoints       []string            `json:"endpoints" mapstructure:"endpoints"`
	LCDEndpoints    []string            `json:"lcdEndpoints,omitempty" mapstructure:"lcd_endpoints"`
	MempoolURL      string              `json:"mempoolUrl,omitempty" mapstructure:"mempool_url"`
	Explorer        string              `json:"explorer,omitempty" mapstructure:"explorer"`
	AccountTypes    []types.AccountType `json:"accountTypes" mapstructure:"account_types"`
	AccountPrefix   string              `json:"accountPrefix,omitempty" mapstructure:"account_prefix"`
	ValidatorPrefix string              `json:"validatorPrefix,omitempty" mapstructure:"validator_prefix"`
	CoinType        string              `json:"coinType,omitempty" mapstructure:"coin_type"`
	MainAssetDenom  string              `json:"mainAssetDenom" mapstructure:"main_asset_denom"`
	Decimals        int                 `json:"decimals" mapstructure:"decimals"`
	GasRate         []string            `json:"gasRate,omitempty" mapstructure:"gas_rate"`
	SupportsStaking bool                `json:"supportsStaking" mapstructure:"supports_staking"`
	// StakingContract routes reward queries to a CosmWasm contract instead of
	// the distribution module.
	StakingContract string `json:"stakingContract,omitempty" mapstructure:"staking_contract"`
	// LockedFromSpendable marks chains whose locked amount is total minus spendable.
	LockedFromSpendable bool `json:"lockedFromSpendable,omitempty" mapstructure:"locked_from_spendable"`
	Inactive            bool `json:"inactive,omitempty" mapstructure:"inactive"`
	Custom              bool `json:"custom,omitempty" mapstructure:"-"`
}

// DefaultAccountType returns the account type used when deriving a single key
func (d Descriptor) DefaultAccountType() (types.AccountType, bool) {
	for _, at := range d.AccountTypes {
		if at.IsDefault {
			return at, true
		}
	}
	if len(d.AccountTypes) > 0 {
		return d.AccountTypes[0], true
	}
	return types.AccountType{}, false
}

// Registry resolves chain identifiers to descriptors and tracks the current
// network of each family.
type Registry struct {
	mu       sync.RWMutex
	kv       storage.KeyValueStore
	builtin  map[types.ChainFamily][]Descriptor
	custom   map[types.ChainFamily][]Descriptor
	selected map[types.ChainFamily]string
}

// NewRegistry creates a Registry over the given built-in descriptors
func NewRegistry(kv storage.KeyValueStore, builtin []Descriptor) *Registry {
	r := &Registry{
		kv:       kv,
		builtin:  make(map[types.ChainFamily][]Descriptor),
		custom:   make(map[types.ChainFamily][]Descriptor),
		selected: make(map[types.ChainFamily]string),
	}
	for _, d := range builtin {
		r.builtin[d.Family] = append(r.builtin[d.Family], d)
	}
	return r
}

// Load restores user-added chains and the per-family network selection
func (r *Registry) Load(ctx context.Context) error {
	custom, _, err := storage.GetJSON[[]Descriptor](ctx, r.kv, customChainsKey)
	if err != nil {
		return fmt.Errorf("failed to load custom chains: %w", err)
	}
	selected, _, err := storage.GetJSON[map[types.ChainFamily]string](ctx, r.kv, selectionKey)
	if err != nil {
		return fmt.Errorf("failed to load network selection: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.custom = make(map[types.ChainFamily][]Descriptor)
	for _, d := range custom {
		d.Custom = true
		r.custom[d.Family] = append(r.custom[d.Family], d)
	}
	if selected != nil {
		r.selected = selected
	}
	return nil
}

// List returns every chain of a family, built-ins first
func (r *Registry) List(family types.ChainFamily) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.builtin[family])+len(r.custom[family]))
	out = append(out, r.builtin[family]...)
	out = append(out, r.custom[family]...)
	return out
}

// Active returns the chains of a family that are not marked inactive
func (r *Registry) Active(family types.ChainFamily) []Descriptor {
	all := r.List(family)
	out := all[:0:0]
	for _, d := range all {
		if !d.Inactive {
			out = append(out, d)
		}
	}
	return out
}

// Resolve finds a chain by native chain id, registry id, or name. Chain ids
// are matched first (case-insensitive for hex ids), then names
// case-insensitively.
func (r *Registry) Resolve(family types.ChainFamily, key string) (Descriptor, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Descriptor{}, false
	}
	chains := r.List(family)

	for _, d := range chains {
		if strings.EqualFold(d.ChainID, key) || d.ID == key {
			return d, true
		}
	}
	for _, d := range chains {
		if strings.EqualFold(d.Name, key) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ByID returns the chain with the given registry id
func (r *Registry) ByID(family types.ChainFamily, id string) (Descriptor, bool) {
	for _, d := range r.List(family) {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Current returns the selected network of a family, falling back to the
// first registered chain.
func (r *Registry) Current(family types.ChainFamily) (Descriptor, bool) {
	r.mu.RLock()
	id := r.selected[family]
	r.mu.RUnlock()

	if id != "" {
		if d, ok := r.ByID(family, id); ok {
			return d, true
		}
	}
	chains := r.List(family)
	if len(chains) == 0 {
		return Descriptor{}, false
	}
	return chains[0], true
}

// Switch selects the current network of a family
func (r *Registry) Switch(ctx context.Context, family types.ChainFamily, id string) error {
	if _, ok := r.ByID(family, id); !ok {
		return fmt.Errorf("unknown %s chain: %s", family, id)
	}

	err := storage.UpdateJSON(ctx, r.kv, selectionKey, func(cur map[types.ChainFamily]string, _ bool) (map[types.ChainFamily]string, error) {
		if cur == nil {
			cur = make(map[types.ChainFamily]string)
		}
		cur[family] = id
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist network selection: %w", err)
	}

	r.mu.Lock()
	r.selected[family] = id
	r.mu.Unlock()
	return nil
}

// AddCustom registers a user-added chain. Adding a chain whose native chain
// id is already known replaces the earlier custom entry.
func (r *Registry) AddCustom(ctx context.Context, d Descriptor) error {
	if d.Family == "" || d.ChainID == "" {
		return fmt.Errorf("custom chain requires family and chain id")
	}
	if d.ID == "" {
		d.ID = fmt.Sprintf("custom-%s-%s", d.Family, strings.ToLower(d.ChainID))
	}
	d.Custom = true

	var stored []Descriptor
	err := storage.UpdateJSON(ctx, r.kv, customChainsKey, func(cur []Descriptor, _ bool) ([]Descriptor, error) {
		next := cur[:0:0]
		for _, c := range cur {
			if c.Family == d.Family && strings.EqualFold(c.ChainID, d.ChainID) {
				continue
			}
			next = append(next, c)
		}
		next = append(next, d)
		stored = next
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist custom chain: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom = make(map[types.ChainFamily][]Descriptor)
	for _, c := range stored {
		r.custom[c.Family] = append(r.custom[c.Family], c)
	}
	return nil
}

const tokensKey = "tokens"

// Token is a user-registered asset tracked alongside a chain's main asset:
// an ERC-20 contract on EVM chains or a CW20 contract on Cosmos chains.
type Token struct {
	Family   types.ChainFamily `json:"family"`
	ChainID  string            `json:"chainId"`
	Contract string            `json:"contract"`
	Symbol   string            `json:"symbol"`
	Decimals int               `json:"decimals"`
	Image    string            `json:"image,omitempty"`
}

// Tokens returns the registered tokens of one chain
func (r *Registry) Tokens(ctx context.Context, family types.ChainFamily, chainID string) ([]Token, error) {
	all, _, err := storage.GetJSON[[]Token](ctx, r.kv, tokensKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	out := all[:0:0]
	for _, t := range all {
		if t.Family == family && strings.EqualFold(t.ChainID, chainID) {
			out = append(out, t)
		}
	}
	return out, nil
}

// AddTokens registers tokens, replacing entries with the same contract.
// It reports how many tokens were new.
func (r *Registry) AddTokens(ctx context.Context, tokens ...Token) (int, error) {
	added := 0
	err := storage.UpdateJSON(ctx, r.kv, tokensKey, func(cur []Token, _ bool) ([]Token, error) {
		added = 0
		for _, t := range tokens {
			if t.Family == "" || t.ChainID == "" || t.Contract == "" {
				return nil, fmt.Errorf("token requires family, chain id and contract")
			}
			replaced := false
			for i := range cur {
				if cur[i].Family == t.Family && strings.EqualFold(cur[i].ChainID, t.ChainID) &&
					strings.EqualFold(cur[i].Contract, t.Contract) {
					cur[i] = t
					replaced = true
					break
				}
			}
			if !replaced {
				cur = append(cur, t)
				added++
			}
		}
		return cur, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to persist tokens: %w", err)
	}
	return added, nil
}
