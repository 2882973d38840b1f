// Package evm implements the ChainAdapter for Ethereum-compatible chains.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// TxRequest is an eth_sendTransaction / eth_signTransaction object
type TxRequest struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Input                hexutil.Bytes   `json:"input,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

// Calldata returns input, falling back to data
func (t *TxRequest) Calldata() []byte {
	if len(t.Input) > 0 {
		return t.Input
	}
	return t.Data
}

func (t *TxRequest) value() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value.ToInt()
}

// Adapter signs and reads EVM chains
type Adapter struct {
	breakers *endpoint.Breakers
}

var (
	_ adapter.ChainAdapter   = (*Adapter)(nil)
	_ adapter.Broadcaster    = (*Adapter)(nil)
	_ adapter.Preparer       = (*Adapter)(nil)
	_ adapter.RPCCaller      = (*Adapter)(nil)
	_ adapter.BalanceFetcher = (*Adapter)(nil)
)

// New creates an EVM adapter. breakers may be nil.
func New(breakers *endpoint.Breakers) *Adapter {
	return &Adapter{breakers: breakers}
}

// Family implements adapter.ChainAdapter
func (a *Adapter) Family() types.ChainFamily { return types.FamilyEVM }

// DeriveAddress returns the checksummed address of a compressed secp256k1 key
func (a *Adapter) DeriveAddress(_ chain.Descriptor, pubkey []byte, _ types.AccountType) (string, error) {
	pub, err := crypto.DecompressPubkey(pubkey)
	if err != nil {
		return "", fmt.Errorf("invalid secp256k1 public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// ChainIDOf parses a hex or decimal EVM chain id
func ChainIDOf(d chain.Descriptor) (*big.Int, error) {
	if id, err := hexutil.DecodeBig(d.ChainID); err == nil {
		return id, nil
	}
	id, ok := new(big.Int).SetString(d.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid EVM chain id %q", d.ChainID)
	}
	return id, nil
}

// Sign implements adapter.ChainAdapter
func (a *Adapter) Sign(_ context.Context, d chain.Descriptor, key *keyexec.PrivateKey, p adapter.Payload) (*adapter.Signed, error) {
	if key == nil || key.Secp == nil {
		return nil, fmt.Errorf("EVM signing requires a secp256k1 key")
	}
	priv := key.Secp.ToECDSA()

	switch p.Kind {
	case adapter.KindMessage:
		return signHash(priv, accounts.TextHash(p.Bytes))
	case adapter.KindRawHash:
		if len(p.Bytes) != common.HashLength {
			return nil, fmt.Errorf("eth_sign expects a 32-byte hash, got %d bytes", len(p.Bytes))
		}
		return signHash(priv, p.Bytes)
	case adapter.KindTypedData:
		td, ok := p.Data.(apitypes.TypedData)
		if !ok {
			return nil, fmt.Errorf("typed data payload has type %T", p.Data)
		}
		hash, _, err := apitypes.TypedDataAndHash(td)
		if err != nil {
			return nil, fmt.Errorf("failed to hash typed data: %w", err)
		}
		return signHash(priv, hash)
	case adapter.KindTransaction:
		req, ok := p.Data.(*TxRequest)
		if !ok {
			return nil, fmt.Errorf("transaction payload has type %T", p.Data)
		}
		return signTx(d, priv, req)
	default:
		return nil, fmt.Errorf("unsupported EVM payload kind %q", p.Kind)
	}
}

func signHash(priv *ecdsa.PrivateKey, hash []byte) (*adapter.Signed, error) {
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return &adapter.Signed{
		Signature: sig,
		PublicKey: crypto.CompressPubkey(&priv.PublicKey),
		Result:    hexutil.Encode(sig),
	}, nil
}

// BuildTx turns a fully prepared request into an unsigned transaction
func BuildTx(chainID *big.Int, req *TxRequest) (*ethtypes.Transaction, error) {
	if req.Nonce == nil || req.Gas == nil {
		return nil, fmt.Errorf("transaction is missing nonce or gas")
	}
	if req.ChainID != nil && req.ChainID.ToInt().Cmp(chainID) != 0 {
		return nil, fmt.Errorf("transaction chain id %s does not match %s", req.ChainID.ToInt(), chainID)
	}

	if req.GasPrice != nil {
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    uint64(*req.Nonce),
			GasPrice: req.GasPrice.ToInt(),
			Gas:      uint64(*req.Gas),
			To:       req.To,
			Value:    req.value(),
			Data:     req.Calldata(),
		}), nil
	}
	if req.MaxFeePerGas == nil || req.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("transaction is missing fee parameters")
	}
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     uint64(*req.Nonce),
		GasTipCap: req.MaxPriorityFeePerGas.ToInt(),
		GasFeeCap: req.MaxFeePerGas.ToInt(),
		Gas:       uint64(*req.Gas),
		To:        req.To,
		Value:     req.value(),
		Data:      req.Calldata(),
	}), nil
}

func signTx(d chain.Descriptor, priv *ecdsa.PrivateKey, req *TxRequest) (*adapter.Signed, error) {
	chainID, err := ChainIDOf(d)
	if err != nil {
		return nil, err
	}
	tx, err := BuildTx(chainID, req)
	if err != nil {
		return nil, err
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &adapter.Signed{
		PublicKey: crypto.CompressPubkey(&priv.PublicKey),
		Result:    hexutil.Encode(raw),
		Raw:       raw,
	}, nil
}

// Prepare fills nonce, gas and fees that the origin left out
func (a *Adapter) Prepare(ctx context.Context, d chain.Descriptor, from string, p adapter.Payload) (adapter.Payload, error) {
	req, ok := p.Data.(*TxRequest)
	if p.Kind != adapter.KindTransaction || !ok {
		return p, nil
	}
	filled := *req
	sender := common.HexToAddress(from)

	_, err := endpoint.Sequential(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) (struct{}, error) {
		c, err := Dial(ctx, url)
		if err != nil {
			return struct{}{}, err
		}
		defer c.Close()

		if filled.Nonce == nil {
			nonce, err := c.GetNonce(ctx, sender)
			if err != nil {
				return struct{}{}, err
			}
			filled.Nonce = (*hexutil.Uint64)(&nonce)
		}
		if filled.Gas == nil {
			gas, err := c.EstimateGas(ctx, sender, filled.To, filled.value(), filled.Calldata())
			if err != nil {
				return struct{}{}, err
			}
			filled.Gas = (*hexutil.Uint64)(&gas)
		}
		if filled.GasPrice == nil && (filled.MaxFeePerGas == nil || filled.MaxPriorityFeePerGas == nil) {
			feeCap, tipCap, dynamic, err := c.SuggestFees(ctx)
			if err != nil {
				return struct{}{}, err
			}
			if dynamic {
				if filled.MaxPriorityFeePerGas == nil {
					filled.MaxPriorityFeePerGas = (*hexutil.Big)(tipCap)
				}
				if filled.MaxFeePerGas == nil {
					filled.MaxFeePerGas = (*hexutil.Big)(feeCap)
				}
			} else {
				price, err := c.SuggestGasPrice(ctx)
				if err != nil {
					return struct{}{}, err
				}
				filled.GasPrice = (*hexutil.Big)(price)
				filled.MaxFeePerGas, filled.MaxPriorityFeePerGas = nil, nil
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return p, fmt.Errorf("failed to prepare transaction: %w", err)
	}

	p.Data = &filled
	return p, nil
}

// BroadcastEndpoints implements adapter.Broadcaster
func (a *Adapter) BroadcastEndpoints(d chain.Descriptor) []string { return d.Endpoints }

// Broadcast sends a signed transaction to one endpoint
func (a *Adapter) Broadcast(ctx context.Context, _ chain.Descriptor, url string, raw []byte) (any, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	hash, err := c.SendRawTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

// Call forwards a read-only method, racing the chain's endpoints
func (a *Adapter) Call(ctx context.Context, d chain.Descriptor, method string, params json.RawMessage) (json.RawMessage, error) {
	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("params must be an array: %w", err)
		}
	}
	argv := make([]any, len(args))
	for i, arg := range args {
		argv[i] = arg
	}

	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) (json.RawMessage, error) {
		c, err := Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		defer c.Close()

		var out json.RawMessage
		if err := c.Call(ctx, &out, method, argv...); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// ChainIDAt asks a single endpoint for its chain id
func (a *Adapter) ChainIDAt(ctx context.Context, url string) (*big.Int, error) {
	c, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.ChainID(ctx)
}

// FetchBalances reads the native balance and every listed ERC-20 balance
func (a *Adapter) FetchBalances(ctx context.Context, d chain.Descriptor, address string, tokens []chain.Token) ([]adapter.Balance, error) {
	owner := common.HexToAddress(address)

	return endpoint.Race(ctx, a.breakers, d.Endpoints, func(ctx context.Context, url string) ([]adapter.Balance, error) {
		c, err := Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		defer c.Close()

		native, err := c.GetBalance(ctx, owner)
		if err != nil {
			return nil, err
		}
		out := []adapter.Balance{{Coins: []types.Coin{{Denom: d.MainAssetDenom, Amount: native.String()}}}}

		for _, t := range tokens {
			bal, err := c.GetTokenBalance(ctx, common.HexToAddress(t.Contract), owner)
			if err != nil {
				return nil, err
			}
			out = append(out, adapter.Balance{
				AssetID: t.Contract,
				Coins:   []types.Coin{{Denom: t.Symbol, Amount: bal.String()}},
			})
		}
		return out, nil
	})
}
