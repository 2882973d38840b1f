package dispatch

import (
	"context"

	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/schema"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// messageVerifier checks an ADR-36 signature
type messageVerifier interface {
	VerifyMessage(d chain.Descriptor, signer string, data []byte, sigB64, pubB64 string) (bool, error)
}

// CosmosAccount is the account object of cos_requestAccount and cos_account
type CosmosAccount struct {
	Address     string `json:"address"`
	PublicKey   string `json:"publicKey"`
	Name        string `json:"name"`
	IsLedger    bool   `json:"isLedger"`
	IsEthermint bool   `json:"isEthermint"`
}

// ChainList splits chains into built-in and user-added
type ChainList struct {
	Official   []string `json:"official"`
	Unofficial []string `json:"unofficial"`
}

func (d *Dispatcher) cosmosTable() Table {
	account := func(c *Call) func(types.AccountAddress) any {
		return func(addr types.AccountAddress) any {
			return CosmosAccount{
				Address:     addr.Address,
				PublicKey:   addr.PublicKey,
				Name:        c.Account.Name,
				IsEthermint: addr.AccountType.PubkeyStyle == types.PubkeyKeccak256,
			}
		}
	}
	signer := func(fn schema.Func) Handler {
		return Handler{
			Schema: fn,
			Popup:  true,
			Check:  d.checkSigner,
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.sign(ctx, c, false)
			},
		}
	}
	chains := func(name bool) Handler {
		return Handler{
			Schema: schema.None,
			Run: func(_ context.Context, _ *Call) (any, error) {
				out := ChainList{Official: []string{}, Unofficial: []string{}}
				for _, ch := range d.chains.List(types.FamilyCosmos) {
					label := ch.ChainID
					if name {
						label = ch.Name
					}
					if ch.Custom {
						out.Unofficial = append(out.Unofficial, label)
					} else {
						out.Official = append(out.Official, label)
					}
				}
				return out, nil
			},
		}
	}
	activated := func(name bool) Handler {
		return Handler{
			Schema: schema.None,
			Run: func(_ context.Context, _ *Call) (any, error) {
				out := []string{}
				for _, ch := range d.chains.Active(types.FamilyCosmos) {
					if name {
						out = append(out, ch.Name)
					} else {
						out = append(out, ch.ChainID)
					}
				}
				return out, nil
			},
		}
	}

	return Table{
		"cos_requestAccount": {
			Schema:  schema.ChainName,
			Popup:   true,
			Connect: true,
			Check: func(ctx context.Context, c *Call) (any, bool, error) {
				return d.reconnect(ctx, c, account(c))
			},
			Run: func(ctx context.Context, c *Call) (any, error) {
				return d.connect(ctx, c, []string{types.ScopeConnected}, account(c))
			},
		},
		"cos_signAmino":   signer(schema.SignAmino),
		"cos_signDirect":  signer(schema.SignDirect),
		"cos_signMessage": signer(schema.SignMessage),
		"cos_addChain": {
			Schema: schema.AddChainParams,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				p := c.Params.(*schema.AddCosmosChain)
				if err := d.chains.AddCustom(ctx, p.Descriptor); err != nil {
					logger.Error(ctx, "failed to add chain", "chain_id", p.Descriptor.ChainID, "error", err)
					return nil, apperrors.ErrInternal
				}
				logger.Info(ctx, "added network", "chain_id", p.Descriptor.ChainID)
				return true, nil
			},
		},
		"cos_addTokensCW20": {
			Schema: schema.AddTokensCW20,
			Popup:  true,
			Run: func(ctx context.Context, c *Call) (any, error) {
				p := c.Params.(*schema.AddTokens)
				if _, err := d.chains.AddTokens(ctx, p.Tokens...); err != nil {
					logger.Error(ctx, "failed to add tokens", "chain_id", p.Target.ChainID, "error", err)
					return nil, apperrors.ErrInternal
				}
				return true, nil
			},
		},

		"cos_supportedChainNames": chains(true),
		"cos_supportedChainIds":   chains(false),
		"cos_activatedChainNames": activated(true),
		"cos_activatedChainIds":   activated(false),
		"cos_account": {
			Schema: schema.ChainName,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if !c.authorized() {
					return nil, apperrors.Unauthorized()
				}
				addr, err := d.address(ctx, c)
				if err != nil {
					return nil, err
				}
				return account(c)(addr), nil
			},
		},
		"cos_sendTransaction": {
			Schema: schema.SendTransactionParams,
			Run: func(ctx context.Context, c *Call) (any, error) {
				p := c.Params.(*schema.SendTransaction)
				return d.signer.Broadcast(ctx, p.Target, p.TxBytes)
			},
		},
		"cos_verifyMessage": {
			Schema: schema.VerifyMessageParams,
			Run:    d.verifyCosmosMessage,
		},
		"cos_disconnect": {
			Schema: schema.None,
			Run:    d.disconnect,
		},
	}
}

// verifyCosmosMessage answers false on any failure
func (d *Dispatcher) verifyCosmosMessage(ctx context.Context, c *Call) (any, error) {
	p := c.Params.(*schema.VerifyMessage)
	a, err := d.capability(types.FamilyCosmos)
	if err != nil {
		return false, nil
	}
	v, ok := a.(messageVerifier)
	if !ok {
		return false, nil
	}
	valid, err := v.VerifyMessage(p.Target, p.Signer, []byte(p.Message), p.Signature, p.PublicKey)
	if err != nil {
		logger.Debug(ctx, "message verification failed", "error", err)
		return false, nil
	}
	return valid, nil
}
