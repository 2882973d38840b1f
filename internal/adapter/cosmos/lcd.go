package cosmos

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// maxPages bounds paginated LCD listings
const maxPages = 20

type pagination struct {
	NextKey string `json:"next_key"`
}

type broadcastResponse struct {
	TxResponse struct {
		Code   uint32 `json:"code"`
		TxHash string `json:"txhash"`
		RawLog string `json:"raw_log"`
	} `json:"tx_response"`
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return d.LCDEndpoints }

// Broadcast posts a TxRaw to one LCD endpoint in sync mode
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, lcd string, raw []byte) (any, error) {
	body := map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(raw),
		"mode":     "BROADCAST_MODE_SYNC",
	}
	var resp broadcastResponse
	if err := adapter.PostJSON(ctx, a.http, adapter.JoinURL(lcd, "/cosmos/tx/v1beta1/txs"), body, &resp); err != nil {
		return nil, err
	}
	if resp.TxResponse.TxHash == "" {
		return nil, fmt.Errorf("broadcast response carries no tx hash")
	}
	if resp.TxResponse.Code != 0 {
		return nil, fmt.Errorf("transaction rejected with code %d: %s", resp.TxResponse.Code, resp.TxResponse.RawLog)
	}
	return map[string]any{"txhash": resp.TxResponse.TxHash}, nil
}

func coins(in []types.Coin) []types.Coin {
	if in == nil {
		return []types.Coin{}
	}
	return in
}

// FetchBalances reads bank balances and CW20 token balances. LCD endpoints
// are tried one after another.
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, tokens []chain.Token) ([]adapter.Balance, error) {
	return endpoint.Sequential(ctx, a.breakers, d.LCDEndpoints, endpoint.PerAttempt(a.http.Timeout, func(ctx context.Context, lcd string) ([]adapter.Balance, error) {
		var bank struct {
			Balances []types.Coin `json:"balances"`
		}
		if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(lcd, "/cosmos/bank/v1beta1/balances/"+address), &bank); err != nil {
			return nil, err
		}
		native := adapter.Balance{Coins: coins(bank.Balances)}

		if d.LockedFromSpendable {
			var spendable struct {
				Balances []types.Coin `json:"balances"`
			}
			if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(lcd, "/cosmos/bank/v1beta1/spendable_balances/"+address), &spendable); err != nil {
				return nil, err
			}
			native.Locked = LockedCoins(bank.Balances, spendable.Balances)
		}

		out := []adapter.Balance{native}
		for _, t := range tokens {
			amount, err := a.cw20Balance(ctx, lcd, t.Contract, address)
			if err != nil {
				return nil, err
			}
			out = append(out, adapter.Balance{AssetID: t.Contract, Coins: []types.Coin{{Denom: t.Contract, Amount: amount}}})
		}
		return out, nil
	}))
}

// LockedCoins returns total minus spendable per denom, omitting zero results
func LockedCoins(total, spendable []types.Coin) []types.Coin {
	free := make(map[string]decimal.Decimal, len(spendable))
	for _, c := range spendable {
		free[c.Denom] = parseAmount(c.Amount)
	}

	var out []types.Coin
	for _, c := range total {
		locked := parseAmount(c.Amount).Sub(free[c.Denom])
		if locked.IsPositive() {
			out = append(out, types.Coin{Denom: c.Denom, Amount: locked.String()})
		}
	}
	return out
}

func parseAmount(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func smartQueryPath(contract string, query any) string {
	raw, _ := json.Marshal(query)
	return "/cosmwasm/wasm/v1/contract/" + contract + "/smart/" + base64.StdEncoding.EncodeToString(raw)
}

func (a *Adapter) cw20Balance(ctx context.Context, lcd, contract, address string) (string, error) {
	var resp struct {
		Data struct {
			Balance string `json:"balance"`
		} `json:"data"`
	}
	query := map[string]any{"balance": map[string]string{"address": address}}
	if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(lcd, smartQueryPath(contract, query)), &resp); err != nil {
		return "", err
	}
	if resp.Data.Balance == "" {
		return "0", nil
	}
	return resp.Data.Balance, nil
}

// FetchStaking reads delegations, unbondings and pending rewards
func (a *Adapter) FetchStaking(ctx context.Context, d chain.Descriptor, address string) ([]adapter.Stake, error) {
	if !d.SupportsStaking {
		return nil, nil
	}
	return endpoint.Sequential(ctx, a.breakers, d.LCDEndpoints, endpoint.PerAttempt(a.http.Timeout, func(ctx context.Context, lcd string) ([]adapter.Stake, error) {
		delegations, err := a.delegations(ctx, lcd, address)
		if err != nil {
			return nil, err
		}
		unbondings, err := a.unbondings(ctx, lcd, address, d.MainAssetDenom)
		if err != nil {
			return nil, err
		}

		var rewards adapter.Stake
		if d.StakingContract != "" {
			rewards, err = a.contractRewards(ctx, lcd, d.StakingContract, address)
		} else {
			rewards, err = a.rewards(ctx, lcd, address)
		}
		if err != nil {
			return nil, err
		}
		return []adapter.Stake{delegations, unbondings, rewards}, nil
	}))
}

// paginate follows next_key until exhausted or maxPages
func (a *Adapter) paginate(ctx context.Context, base string, page func(raw json.RawMessage) (string, error)) error {
	key := ""
	for i := 0; i < maxPages; i++ {
		u := base
		if key != "" {
			u += "?" + url.Values{"pagination.key": {key}}.Encode()
		}
		var raw json.RawMessage
		if err := adapter.GetJSON(ctx, a.http, u, &raw); err != nil {
			if i > 0 {
				// later pages are best effort
				return nil
			}
			return err
		}
		next, err := page(raw)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		key = next
	}
	return nil
}

func (a *Adapter) delegations(ctx context.Context, lcd, address string) (adapter.Stake, error) {
	stake := adapter.Stake{Kind: types.StakeDelegation, Entries: []types.StakeEntry{}}
	total := map[string]decimal.Decimal{}

	err := a.paginate(ctx, adapter.JoinURL(lcd, "/cosmos/staking/v1beta1/delegations/"+address), func(raw json.RawMessage) (string, error) {
		var resp struct {
			DelegationResponses []struct {
				Delegation struct {
					ValidatorAddress string `json:"validator_address"`
				} `json:"delegation"`
				Balance types.Coin `json:"balance"`
			} `json:"delegation_responses"`
			Pagination *pagination `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("malformed delegations: %w", err)
		}
		for _, r := range resp.DelegationResponses {
			stake.Entries = append(stake.Entries, types.StakeEntry{
				Validator: r.Delegation.ValidatorAddress,
				Coins:     []types.Coin{r.Balance},
			})
			total[r.Balance.Denom] = total[r.Balance.Denom].Add(parseAmount(r.Balance.Amount))
		}
		if resp.Pagination == nil {
			return "", nil
		}
		return resp.Pagination.NextKey, nil
	})
	stake.Total = sumCoins(total)
	return stake, err
}

func (a *Adapter) unbondings(ctx context.Context, lcd, address, denom string) (adapter.Stake, error) {
	stake := adapter.Stake{Kind: types.StakeUnbonding, Entries: []types.StakeEntry{}}
	total := map[string]decimal.Decimal{}

	err := a.paginate(ctx, adapter.JoinURL(lcd, "/cosmos/staking/v1beta1/delegators/"+address+"/unbonding_delegations"), func(raw json.RawMessage) (string, error) {
		var resp struct {
			UnbondingResponses []struct {
				ValidatorAddress string `json:"validator_address"`
				Entries          []struct {
					CompletionTime time.Time `json:"completion_time"`
					Balance        string    `json:"balance"`
				} `json:"entries"`
			} `json:"unbonding_responses"`
			Pagination *pagination `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("malformed unbondings: %w", err)
		}
		for _, r := range resp.UnbondingResponses {
			for _, e := range r.Entries {
				completion := e.CompletionTime
				stake.Entries = append(stake.Entries, types.StakeEntry{
					Validator:      r.ValidatorAddress,
					Coins:          []types.Coin{{Denom: denom, Amount: e.Balance}},
					CompletionTime: &completion,
				})
				total[denom] = total[denom].Add(parseAmount(e.Balance))
			}
		}
		if resp.Pagination == nil {
			return "", nil
		}
		return resp.Pagination.NextKey, nil
	})
	stake.Total = sumCoins(total)
	return stake, err
}

func (a *Adapter) rewards(ctx context.Context, lcd, address string) (adapter.Stake, error) {
	var resp struct {
		Rewards []struct {
			ValidatorAddress string       `json:"validator_address"`
			Reward           []types.Coin `json:"reward"`
		} `json:"rewards"`
		Total []types.Coin `json:"total"`
	}
	if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(lcd, "/cosmos/distribution/v1beta1/delegators/"+address+"/rewards"), &resp); err != nil {
		return adapter.Stake{}, err
	}

	stake := adapter.Stake{Kind: types.StakeReward, Entries: []types.StakeEntry{}, Total: coins(resp.Total)}
	for _, r := range resp.Rewards {
		stake.Entries = append(stake.Entries, types.StakeEntry{Validator: r.ValidatorAddress, Coins: coins(r.Reward)})
	}
	return stake, nil
}

func (a *Adapter) contractRewards(ctx context.Context, lcd, contract, address string) (adapter.Stake, error) {
	var resp struct {
		Data struct {
			PendingRewards types.Coin `json:"pending_rewards"`
		} `json:"data"`
	}
	query := map[string]any{"rewards": map[string]string{"user": address}}
	if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(lcd, smartQueryPath(contract, query)), &resp); err != nil {
		return adapter.Stake{}, err
	}
	return adapter.Stake{
		Kind:    types.StakeReward,
		Entries: []types.StakeEntry{},
		Total:   []types.Coin{resp.Data.PendingRewards},
	}, nil
}

func sumCoins(m map[string]decimal.Decimal) []types.Coin {
	out := make([]types.Coin, 0, len(m))
	for denom, amount := range m {
		out = append(out, types.Coin{Denom: denom, Amount: amount.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out
}
