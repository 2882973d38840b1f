package dispatch

import (
	"context"
	"math/big"
	"strings"

	"github.com/better-wallet/wallet-core/internal/adapter/evm"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/schema"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// chainIDReader reads the chain id served by an RPC URL
type chainIDReader interface {
	ChainIDAt(ctx context.Context, url string) (*big.Int, error)
}

// evmPassthrough are the read-only methods forwarded to the current chain
var evmPassthrough = []string{
	"eth_blockNumber",
	"eth_call",
	"eth_estimateGas",
	"eth_gasPrice",
	"eth_maxPriorityFeePerGas",
	"eth_feeHistory",
	"eth_getBlockByNumber",
	"eth_getBlockByHash",
	"eth_getTransactionCount",
	"eth_getTransactionByHash",
	"eth_getTransactionReceipt",
	"eth_getCode",
	"eth_getStorageAt",
	"eth_getLogs",
}

// permission is an EIP-2255 permission object
type permission struct {
	Invoker          string `json:"invoker"`
	ParentCapability string `json:"parentCapability"`
}

func (d *Dispatcher) evmTable() Table {
	connect := Handler{
		Schema:  schema.None,
		Popup:   true,
		Connect: true,
		Check: func(ctx context.Context, c *Call) (any, bool, error) {
			return d.reconnect(ctx, c, addressList)
		},
		Run: func(ctx context.Context, c *Call) (any, error) {
			return d.connect(ctx, c, []string{types.ScopeConnected}, addressList)
		},
	}
	signer := func(fn schema.Func, broadcast bool) Handler {
		return Handler{
			Schema: fn,
			Popup:  true,
			Check:  d.checkSigner,
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.sign(ctx, c, broadcast)
			},
		}
	}

	t := Table{
		"eth_requestAccounts":       connect,
		"wallet_requestPermissions": connect,
		"eth_sign":                  signer(schema.EthSign, false),
		"personal_sign":             signer(schema.PersonalSign, false),
		"eth_signTypedData_v3":      signer(schema.SignTypedData, false),
		"eth_signTypedData_v4":      signer(schema.SignTypedData, false),
		"eth_signTransaction":       signer(schema.SignTransaction, false),
		"eth_sendTransaction":       signer(schema.SignTransaction, true),
		"wallet_switchEthereumChain": {
			Schema: schema.SwitchEthereumChain,
			Popup:  true,
			Check: func(_ context.Context, c *Call) (any, bool, error) {
				p := c.Params.(*schema.SwitchChain)
				return nil, strings.EqualFold(p.Target.ChainID, c.Chain.ChainID), nil
			},
			Run: d.switchEVMChain,
		},
		"wallet_addEthereumChain": {
			Schema: schema.AddChain,
			Popup:  true,
			Verify: d.verifyAddEVMChain,
			Check:  d.checkAddEVMChain,
			Run:    d.addEVMChain,
		},
		"wallet_watchAsset": {
			Schema: schema.WatchAssetParams,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				p := c.Params.(*schema.WatchAsset)
				if _, err := d.chains.AddTokens(ctx, p.Token); err != nil {
					logger.Error(ctx, "failed to add token", "error", err)
					return nil, apperrors.ErrInternal
				}
				return true, nil
			},
		},

		"eth_accounts": {
			Schema: schema.None,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.authorized() {
					return []string{}, nil
				}
				addr, err := d.address(ctx, c)
				if err != nil {
					return nil, err
				}
				return addressList(addr), nil
			},
		},
		"eth_coinbase": {
			Schema: schema.None,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.authorized() {
					return nil, nil
				}
				addr, err := d.address(ctx, c)
				if err != nil {
					return nil, err
				}
				return addr.Address, nil
			},
		},
		"wallet_getPermissions": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				if !c.Trusted {
					return []permission{}, nil
				}
				return []permission{{Invoker: c.Req.Origin, ParentCapability: "eth_accounts"}}, nil
			},
		},
		"wallet_revokePermissions": {
			Schema: schema.None,
			Run:    d.disconnect,
		},
		"eth_chainId": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				return c.Chain.ChainID, nil
			},
		},
		"net_version": {
			Schema: schema.None,
			Run: func(_ context.Context, c *Call) (any, error) {
				id, err := evm.ChainIDOf(c.Chain)
				if err != nil {
					return nil, apperrors.ErrInternal
				}
				return id.String(), nil
			},
		},
		"eth_getBalance": {
			Schema: schema.GetBalance,
			Run:    d.passthrough,
		},
	}
	for _, m := range evmPassthrough {
		t[m] = Handler{Schema: schema.RPCParams, Run: d.passthrough}
	}
	return t
}

func (d *Dispatcher) switchEVMChain(ctx context.Context, c *Call) (any, error) {
	p := c.Params.(*schema.SwitchChain)
	if err := d.chains.Switch(ctx, types.FamilyEVM, p.Target.ID); err != nil {
		logger.Error(ctx, "failed to switch chain", "chain_id", p.Target.ChainID, "error", err)
		return nil, apperrors.ErrInternal
	}
	logger.Info(ctx, "switched network", "chain_id", p.Target.ChainID)
	return nil, nil
}

// verifyAddEVMChain verifies the supplied RPC serves the claimed chain
func (d *Dispatcher) verifyAddEVMChain(ctx context.Context, params any) error {
	p := params.(*schema.AddEthereumChain)
	if _, ok := d.chains.Resolve(types.FamilyEVM, p.ChainID); ok {
		return nil
	}

	want, err := evm.ChainIDOf(chain.Descriptor{ChainID: p.ChainID})
	if err != nil {
		return apperrors.InvalidParams("chainId must be a hex quantity")
	}
	a, err := d.capability(types.FamilyEVM)
	if err != nil {
		return err
	}
	reader, ok := a.(chainIDReader)
	if !ok {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	got, err := reader.ChainIDAt(pctx, p.RPCURLs[0])
	cancel()
	if err != nil || got.Cmp(want) != 0 {
		logger.Warn(ctx, "rpc url does not serve the requested chain", "chain_id", p.ChainID, "error", err)
		return apperrors.New(apperrors.ErrCodeUnrecognizedChain,
			"The RPC URL you have entered returned a different chain ID. Please update the Chain ID to match the RPC URL of the network you are trying to add.")
	}
	return nil
}

// checkAddEVMChain turns a chain that is already known into a switch
// request, or answers directly when it is the current network.
func (d *Dispatcher) checkAddEVMChain(_ context.Context, c *Call) (any, bool, error) {
	p := c.Params.(*schema.AddEthereumChain)
	if known, ok := d.chains.Resolve(types.FamilyEVM, p.ChainID); ok {
		if strings.EqualFold(known.ChainID, c.Chain.ChainID) {
			return nil, true, nil
		}
		c.Params = &schema.SwitchChain{Target: known}
	}
	return nil, false, nil
}

func (d *Dispatcher) addEVMChain(ctx context.Context, c *Call) (any, error) {
	switch p := c.Params.(type) {
	case *schema.SwitchChain:
		return d.switchEVMChain(ctx, c)
	case *schema.AddEthereumChain:
		if err := d.chains.AddCustom(ctx, p.Descriptor()); err != nil {
			logger.Error(ctx, "failed to add chain", "chain_id", p.ChainID, "error", err)
			return nil, apperrors.ErrInternal
		}
		added, ok := d.chains.Resolve(types.FamilyEVM, p.ChainID)
		if !ok {
			return nil, apperrors.ErrInternal
		}
		logger.Info(ctx, "added network", "chain_id", p.ChainID)
		c.Params = &schema.SwitchChain{Target: added}
		return d.switchEVMChain(ctx, c)
	default:
		return nil, apperrors.ErrInternal
	}
}
