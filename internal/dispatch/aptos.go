package dispatch

import (
	"context"

	"github.com/better-wallet/wallet-core/internal/schema"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// AptosNetwork is the answer of aptos_network
type AptosNetwork struct {
	Name    string `json:"name"`
	ChainID string `json:"chainId"`
}

func (d *Dispatcher) aptosTable() Table {
	connect := Handler{
		Schema:  schema.None,
		Popup:   true,
		Connect: true,
		Check: func(ctx context.Context, c *Call) (any, bool, error) {
			return d.reconnect(ctx, c, moveAccount)
		},
		Run: func(ctx context.Context, c *Call) (any, error) {
			return d.connect(ctx, c, []string{types.ScopeConnected}, moveAccount)
		},
	}
	signer := func(fn schema.Func, broadcast bool) Handler {
		return Handler{
			Schema: fn,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.sign(ctx, c, broadcast)
			},
		}
	}

	return Table{
		"aptos_connect":                  connect,
		"aptos_account":                  connect,
		"aptos_signMessage":              signer(schema.AptosSignMessage, false),
		"aptos_signTransaction":          signer(schema.AptosSignTransaction, false),
		"aptos_signAndSubmitTransaction": signer(schema.AptosSignTransaction, true),

		"aptos_isConnected": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				return c.Trusted, nil
			},
		},
		"aptos_network": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				return AptosNetwork{Name: c.Chain.Network, ChainID: c.Chain.ChainID}, nil
			},
		},
		"aptos_disconnect": {
			Schema: schema.None,
			Run:    d.disconnect,
		},
	}
}
