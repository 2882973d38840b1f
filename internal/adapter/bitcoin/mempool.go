package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// UTXO is an unspent output as listed by the mempool API
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// Fees are recommended fee rates in sat/vB
type Fees struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  int64 `json:"economyFee"`
	MinimumFee  int64 `json:"minimumFee"`
}

type addressStats struct {
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"chain_stats"`
	MempoolStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"mempool_stats"`
}

// spendable counts confirmed funds minus anything already being spent.
// Unconfirmed incoming funds are not counted.
func (s addressStats) spendable() int64 {
	return s.ChainStats.FundedTxoSum - s.ChainStats.SpentTxoSum - s.MempoolStats.SpentTxoSum
}

func mempoolEndpoints(d chain.Descriptor) []string {
	out := make([]string, 0, 1+len(d.Endpoints))
	if d.MempoolURL != "" {
		out = append(out, d.MempoolURL)
	}
	return append(out, d.Endpoints...)
}

// Balance returns the spendable balance of address in sats
func (a *Adapter) Balance(ctx context.Context, d chain.Descriptor, address string) (int64, error) {
	return endpoint.Race(ctx, a.breakers, mempoolEndpoints(d), func(ctx context.Context, base string) (int64, error) {
		var stats addressStats
		if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(base, "/address/"+address), &stats); err != nil {
			return 0, err
		}
		return stats.spendable(), nil
	})
}

// UTXOs lists the unspent outputs of address
func (a *Adapter) UTXOs(ctx context.Context, d chain.Descriptor, address string) ([]UTXO, error) {
	return endpoint.Race(ctx, a.breakers, mempoolEndpoints(d), func(ctx context.Context, base string) ([]UTXO, error) {
		var utxos []UTXO
		if err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(base, "/address/"+address+"/utxo"), &utxos); err != nil {
			return nil, err
		}
		return utxos, nil
	})
}

// RecommendedFees returns the current fee estimates
func (a *Adapter) RecommendedFees(ctx context.Context, d chain.Descriptor) (Fees, error) {
	return endpoint.Race(ctx, a.breakers, mempoolEndpoints(d), func(ctx context.Context, base string) (Fees, error) {
		var fees Fees
		err := adapter.GetJSON(ctx, a.http, adapter.JoinURL(base, "/v1/fees/recommended"), &fees)
		return fees, err
	})
}

// FetchBalances implements adapter.BalanceFetcher
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, _ []chain.Token) ([]adapter.Balance, error) {
	sats, err := a.Balance(ctx, d, address)
	if err != nil {
		return nil, err
	}
	return []adapter.Balance{{Coins: []types.Coin{{Denom: d.MainAssetDenom, Amount: strconv.FormatInt(sats, 10)}}}}, nil
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return mempoolEndpoints(d) }

// Broadcast posts a raw transaction to one mempool API and returns the txid
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, base string, raw []byte) (any, error) {
	var txid string
	if err := adapter.PostRaw(ctx, a.http, adapter.JoinURL(base, "/tx"), "text/plain", []byte(hex.EncodeToString(raw)), &txid); err != nil {
		return nil, err
	}
	if len(txid) != 64 {
		return nil, fmt.Errorf("unexpected broadcast response %q", txid)
	}
	return txid, nil
}
