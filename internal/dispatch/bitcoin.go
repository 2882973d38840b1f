package dispatch

import (
	"context"

	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/schema"
	"github.com/better-wallet/wallet-core/internal/signing"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// balanceReader reads the spendable satoshi balance of an address
type balanceReader interface {
	Balance(ctx context.Context, d chain.Descriptor, address string) (int64, error)
}

func (d *Dispatcher) bitcoinTable() Table {
	signer := func(fn schema.Func, broadcast bool) Handler {
		return Handler{
			Schema: fn,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.sign(ctx, c, broadcast)
			},
		}
	}
	disclosed := func(empty any, fn func(types.AccountAddress) any) Handler {
		return Handler{
			Schema: schema.None,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.authorized() {
					return empty, nil
				}
				addr, err := d.address(ctx, c)
				if err != nil {
					return nil, err
				}
				return fn(addr), nil
			},
		}
	}

	return Table{
		"bit_requestAccount": {
			Schema:  schema.None,
			Popup:   true,
			Connect: true,
			Check: func(ctx context.Context, c *Call) (any, bool, error) {
				return d.reconnect(ctx, c, addressList)
			},
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.connect(ctx, c, []string{types.ScopeConnected}, addressList)
			},
		},
		"bit_signMessage": signer(schema.BitcoinSignMessage, false),
		"bit_sendBitcoin": signer(schema.BitcoinSend, true),
		"bit_signPsbt":    signer(schema.BitcoinSignPSBT, false),
		"bit_signPsbts": {
			Schema: schema.BitcoinSignPSBTs,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				batch := c.Params.(*schema.SignPSBTs)
				jobs := make([]signing.Job, 0, len(batch.PSBTs))
				for _, item := range batch.Items() {
					job, err := d.job(c, item, false)
					if err != nil {
						return nil, err
					}
					jobs = append(jobs, job)
				}
				// the batch is priced and counted as one transaction
				results, err := d.signer.SignBatch(ctx, jobs)
				if err != nil {
					return nil, err
				}
				out := make([]any, 0, len(results))
				for _, res := range results {
					out = append(out, res.Signed.Result)
				}
				return out, nil
			},
		},
		"bit_switchNetwork": {
			Schema: schema.BitcoinSwitchNetwork,
			Popup:  true,
			Check: func(_ context.Context, c *Call) (any, bool, error) {
				p := c.Params.(*schema.BitcoinNetwork)
				if c.Chain.Network == p.Network {
					return p.Network, true, nil
				}
				return nil, false, nil
			},
			Run: d.switchBitcoinNetwork,
		},

		"bit_getAddress": disclosed("", func(addr types.AccountAddress) any {
			return addr.Address
		}),
		"bit_getPublicKeyHex": disclosed("", func(addr types.AccountAddress) any {
			return addr.PublicKey
		}),
		"bit_getBalance": {
			Schema: schema.None,
			Run:    d.bitcoinBalance,
		},
		"bit_getNetwork": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				return c.Chain.Network, nil
			},
		},
		"bit_pushTx": {
			Schema: schema.BitcoinPushTx,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.Trusted {
					return nil, apperrors.Unauthorized()
				}
				p := c.Params.(*schema.PushTx)
				return d.signer.Broadcast(ctx, c.Chain, p.Raw)
			},
		},
		"bit_disconnect": {
			Schema: schema.None,
			Run:    d.disconnect,
		},
	}
}

func (d *Dispatcher) switchBitcoinNetwork(ctx context.Context, c *Call) (any, error) {
	p := c.Params.(*schema.BitcoinNetwork)
	for _, ch := range d.chains.List(types.FamilyBitcoin) {
		if ch.Network != p.Network {
			continue
		}
		if err := d.chains.Switch(ctx, types.FamilyBitcoin, ch.ID); err != nil {
			logger.Error(ctx, "failed to switch network", "network", p.Network, "error", err)
			return nil, apperrors.ErrInternal
		}
		logger.Info(ctx, "switched network", "network", p.Network)
		return p.Network, nil
	}
	return nil, apperrors.InvalidParams("the network is not configured")
}

// bitcoinBalance answers 0 to origins that may not see the account
func (d *Dispatcher) bitcoinBalance(ctx context.Context, c *Call) (any, error) {
	if !c.authorized() {
		return int64(0), nil
	}
	addr, err := d.address(ctx, c)
	if err != nil {
		return nil, err
	}
	a, err := d.capability(types.FamilyBitcoin)
	if err != nil {
		return nil, err
	}
	reader, ok := a.(balanceReader)
	if !ok {
		return nil, apperrors.ErrMethodNotSupported
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	sats, err := reader.Balance(ctx, c.Chain, addr.Address)
	if err != nil {
		logger.Warn(ctx, "balance lookup failed", "chain_id", c.Chain.ChainID, "error", err)
		return nil, apperrors.ErrInternal
	}
	return sats, nil
}
