package dispatch

import (
	"context"

	"github.com/better-wallet/wallet-core/internal/schema"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// MoveAccount is the account object of Sui-style and Aptos connect methods
type MoveAccount struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

func moveAccount(addr types.AccountAddress) any {
	return MoveAccount{Address: addr.Address, PublicKey: "0x" + addr.PublicKey}
}

// moveTable builds the shared Sui/IOTA table. prefix names the methods
// (sui_connect, iota_connect).
func (d *Dispatcher) moveTable(prefix string) Table {
	signer := func(fn schema.Func, broadcast bool) Handler {
		return Handler{
			Schema: fn,
			Popup:  true,
			Check: func(ctx context.Context, c *Call) (any, bool, error) {
				if !c.hasScope(types.ScopeViewAccount) || !c.hasScope(types.ScopeSuggestTransactions) {
					return nil, false, apperrors.Unauthorized()
				}
				return d.checkSigner(ctx, c)
			},
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.sign(ctx, c, broadcast)
			},
		}
	}

	t := Table{
		prefix + "_connect": {
			Schema:  schema.MoveConnect,
			Popup:   true,
			Connect: true,
			Check: func(_ context.Context, c *Call) (any, bool, error) {
				p := c.Params.(*schema.Connect)
				if !c.Trusted || !c.Unlocked {
					return nil, false, nil
				}
				for _, s := range p.Scopes {
					if !c.Grant.HasScope(s) {
						return nil, false, nil
					}
				}
				return nil, true, nil
			},
			Run: func(ctx context.Context, c *Call) (any, error) {
				p := c.Params.(*schema.Connect)
				scopes := approvedScopes(p.Scopes, c.Decision.Scopes)
				if len(scopes) == 0 {
					return nil, apperrors.UserRejected()
				}
				if _, err := d.connect(ctx, c, scopes, moveAccount); err != nil {
					return nil, err
				}
				return nil, nil
			},
		},
		prefix + "_signMessage":                    signer(schema.MoveSignMessage, false),
		prefix + "_signPersonalMessage":            signer(schema.MoveSignMessage, false),
		prefix + "_signTransaction":                signer(schema.MoveSignTransaction, false),
		prefix + "_signTransactionBlock":           signer(schema.MoveSignTransaction, false),
		prefix + "_signAndExecuteTransaction":      signer(schema.MoveSignTransaction, true),
		prefix + "_signAndExecuteTransactionBlock": signer(schema.MoveSignTransaction, true),

		prefix + "_getAccount": {
			Schema: schema.None,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.hasScope(types.ScopeViewAccount) || !c.Unlocked {
					return nil, apperrors.Unauthorized()
				}
				addr, err := d.address(ctx, c)
				if err != nil {
					return nil, err
				}
				return moveAccount(addr), nil
			},
		},
		prefix + "_getPermissions": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				if !c.Trusted {
					return []string{}, nil
				}
				out := []string{}
				for _, s := range c.Grant.Scopes {
					if s != types.ScopeConnected {
						out = append(out, s)
					}
				}
				return out, nil
			},
		},
		prefix + "_getChain": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				return c.Chain.Network, nil
			},
		},
		prefix + "_disconnect": {
			Schema: schema.None,
			Run:    d.disconnect,
		},
	}

	for _, m := range []string{
		prefix + "_getObject",
		prefix + "_multiGetObjects",
		prefix + "_getTransactionBlock",
		prefix + "_dryRunTransactionBlock",
		prefix + "_getLatestCheckpointSequenceNumber",
		prefix + "x_getBalance",
		prefix + "x_getAllBalances",
		prefix + "x_getCoins",
		prefix + "x_getOwnedObjects",
		prefix + "x_getReferenceGasPrice",
	} {
		t[m] = Handler{Schema: schema.RPCParams, Run: d.passthrough}
	}
	return t
}

// approvedScopes narrows the requested scopes to those the user kept. An
// empty decision keeps every requested scope.
func approvedScopes(requested, kept []string) []string {
	if len(kept) == 0 {
		return requested
	}
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		for _, k := range kept {
			if s == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
