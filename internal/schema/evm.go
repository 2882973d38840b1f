package schema

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/evm"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/validation"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// evmChainIDPattern is a 0x-prefixed hex chain id without leading zeros
var evmChainIDPattern = regexp.MustCompile(`^0x[1-9a-fA-F][0-9a-fA-F]*$`)

// MessageSign is a normalized eth_sign or personal_sign request
type MessageSign struct {
	Address string        `json:"address"`
	Data    hexutil.Bytes `json:"data"`
	Kind    adapter.Kind  `json:"kind"`
}

// Payload implements Signable
func (m *MessageSign) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: m.Kind, Bytes: m.Data, Address: m.Address}, nil
}

// SignerAddress implements Addressed
func (m *MessageSign) SignerAddress() string { return m.Address }

// TypedDataSign is a normalized eth_signTypedData_v3/v4 request
type TypedDataSign struct {
	Address string              `json:"address"`
	Data    apitypes.TypedData `json:"data"`
}

// Payload implements Signable
func (t *TypedDataSign) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindTypedData, Data: t.Data, Address: t.Address}, nil
}

// SignerAddress implements Addressed
func (t *TypedDataSign) SignerAddress() string { return t.Address }

// TxSign is a normalized eth_signTransaction or eth_sendTransaction request
type TxSign struct {
	Tx *evm.TxRequest `json:"tx"`
}

// Payload implements Signable
func (t *TxSign) Payload() (adapter.Payload, error) {
	tx := *t.Tx
	return adapter.Payload{Kind: adapter.KindTransaction, Data: &tx, Address: tx.From.Hex()}, nil
}

// SignerAddress implements Addressed
func (t *TxSign) SignerAddress() string { return t.Tx.From.Hex() }

// AddEthereumChain is a normalized wallet_addEthereumChain request
type AddEthereumChain struct {
	ChainID  string   `json:"chainId"`
	Name     string   `json:"chainName"`
	RPCURLs  []string `json:"rpcUrls"`
	Explorer string   `json:"explorer,omitempty"`
	Symbol   string   `json:"symbol"`
	Decimals int      `json:"decimals"`
	Image    string   `json:"image,omitempty"`
}

// Descriptor builds the custom chain this request registers
func (a *AddEthereumChain) Descriptor() chain.Descriptor {
	return chain.Descriptor{
		Family:         types.FamilyEVM,
		Name:           a.Name,
		ChainID:        a.ChainID,
		Endpoints:      a.RPCURLs,
		Explorer:       a.Explorer,
		AccountTypes:   chain.AccountTypesFor(types.FamilyEVM, ""),
		CoinType:       "60",
		MainAssetDenom: a.Symbol,
		Decimals:       a.Decimals,
	}
}

// SwitchChain is a normalized wallet_switchEthereumChain request
type SwitchChain struct {
	Target chain.Descriptor `json:"target"`
}

// WatchAsset is a normalized wallet_watchAsset request
type WatchAsset struct {
	Token chain.Token `json:"token"`
}

// readData decodes the data of a message request: hex when 0x-prefixed and
// well-formed, utf-8 text otherwise.
func readData(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		if b, err := hexutil.Decode(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

func ethAddress(raw json.RawMessage, label string) (string, error) {
	s, err := str(raw, label)
	if err != nil {
		return "", err
	}
	if err := validation.ValidateEthereumAddress(s); err != nil {
		return "", invalid("%s: %v", label, err)
	}
	return common.HexToAddress(s).Hex(), nil
}

func isEthAddress(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil && validation.EthereumAddressPattern.MatchString(s)
}

// EthSign validates eth_sign [address, data]. A 32-byte payload is signed
// as a raw hash, anything else as a personal message.
func EthSign(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 2, 3)
	if err != nil {
		return nil, err
	}
	address, err := ethAddress(items[0], "address")
	if err != nil {
		return nil, err
	}
	data, err := str(items[1], "dataToSign")
	if err != nil {
		return nil, err
	}
	msg := &MessageSign{Address: address, Data: readData(data), Kind: adapter.KindMessage}
	if len(msg.Data) == common.HashLength {
		msg.Kind = adapter.KindRawHash
	}
	return msg, nil
}

// PersonalSign validates personal_sign [data, address, password?]. Callers
// that pass the address first are accepted and reordered.
func PersonalSign(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 2, 3)
	if err != nil {
		return nil, err
	}
	if isEthAddress(items[0]) && !isEthAddress(items[1]) {
		items[0], items[1] = items[1], items[0]
	}
	data, err := str(items[0], "dataToSign")
	if err != nil {
		return nil, err
	}
	address, err := ethAddress(items[1], "address")
	if err != nil {
		return nil, err
	}
	return &MessageSign{Address: address, Data: readData(data), Kind: adapter.KindMessage}, nil
}

// SignTypedData validates eth_signTypedData_v3/v4 [address, typedData]. The
// typed data may be a JSON string or an object; a domain chain id must
// match the current network.
func SignTypedData(env Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 2, 2)
	if err != nil {
		return nil, err
	}
	address, err := ethAddress(items[0], "address")
	if err != nil {
		return nil, err
	}

	doc := []byte(items[1])
	var asString string
	if json.Unmarshal(items[1], &asString) == nil {
		doc = []byte(asString)
	}
	var td apitypes.TypedData
	if err := json.Unmarshal(doc, &td); err != nil {
		return nil, invalid("dataToSign must be EIP-712 typed data: %v", err)
	}
	if td.PrimaryType == "" || len(td.Types) == 0 {
		return nil, invalid("dataToSign must name types and a primaryType")
	}
	if _, _, err := apitypes.TypedDataAndHash(td); err != nil {
		return nil, invalid("dataToSign cannot be hashed: %v", err)
	}

	if td.Domain.ChainId != nil {
		current, err := evm.ChainIDOf(env.Current)
		if err != nil || (*big.Int)(td.Domain.ChainId).Cmp(current) != 0 {
			return nil, apperrors.InvalidParams("Invalid chainId")
		}
	}
	return &TypedDataSign{Address: address, Data: td}, nil
}

var quantityFields = []string{"nonce", "value", "gas", "gasPrice", "maxFeePerGas", "maxPriorityFeePerGas", "chainId"}

// normalizeQuantities rewrites decimal numbers of a transaction object as hex
// quantities. gasLimit is accepted as an alias of gas.
func normalizeQuantities(obj map[string]json.RawMessage) error {
	if _, ok := obj["gas"]; !ok {
		if v, ok := obj["gasLimit"]; ok {
			obj["gas"] = v
		}
	}
	delete(obj, "gasLimit")

	for _, f := range quantityFields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		if absent(v) {
			delete(obj, f)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(v, &n); err == nil {
			i, ok := new(big.Int).SetString(n.String(), 10)
			if !ok || i.Sign() < 0 {
				return fmt.Errorf("%s must be a non-negative integer", f)
			}
			obj[f], _ = json.Marshal(hexutil.EncodeBig(i))
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("%s must be a quantity", f)
		}
		if !strings.HasPrefix(s, "0x") {
			i, ok := new(big.Int).SetString(s, 10)
			if !ok || i.Sign() < 0 {
				return fmt.Errorf("%s must be a hex or decimal quantity", f)
			}
			obj[f], _ = json.Marshal(hexutil.EncodeBig(i))
		}
	}
	return nil
}

func bigOf(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return b.ToInt()
}

// SignTransaction validates eth_signTransaction / eth_sendTransaction [tx]
func SignTransaction(env Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(items[0], &obj); err != nil || obj == nil {
		return nil, invalid("transaction must be an object")
	}
	if err := normalizeQuantities(obj); err != nil {
		return nil, invalid("%v", err)
	}

	from, ok := obj["from"]
	if !ok {
		return nil, invalid("from is required")
	}
	if _, err := ethAddress(from, "from"); err != nil {
		return nil, err
	}
	if to, ok := obj["to"]; ok && absent(to) {
		delete(obj, "to")
	} else if ok {
		if _, err := ethAddress(to, "to"); err != nil {
			return nil, err
		}
	}

	normalized, _ := json.Marshal(obj)
	var tx evm.TxRequest
	if err := json.Unmarshal(normalized, &tx); err != nil {
		return nil, invalid("malformed transaction: %v", err)
	}
	if tx.To == nil && len(tx.Calldata()) == 0 {
		return nil, invalid("contract creation requires data")
	}
	if err := validation.ValidateTransactionValue(bigOf(tx.Value)); err != nil {
		return nil, invalid("%v", err)
	}
	var gas uint64
	if tx.Gas != nil {
		gas = uint64(*tx.Gas)
	}
	if err := validation.ValidateGasParameters(gas, bigOf(tx.GasPrice), bigOf(tx.MaxFeePerGas), bigOf(tx.MaxPriorityFeePerGas)); err != nil {
		return nil, invalid("%v", err)
	}
	if tx.ChainID != nil {
		current, err := evm.ChainIDOf(env.Current)
		if err != nil || tx.ChainID.ToInt().Cmp(current) != 0 {
			return nil, apperrors.InvalidParams("Invalid chainId")
		}
	}
	return &TxSign{Tx: &tx}, nil
}

func httpURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// AddChain validates wallet_addEthereumChain [{chainId, chainName, rpcUrls,
// nativeCurrency, blockExplorerUrls?, iconUrls?}]
func AddChain(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 2)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChainID        string   `json:"chainId"`
		ChainName      string   `json:"chainName"`
		RPCURLs        []string `json:"rpcUrls"`
		ExplorerURLs   []string `json:"blockExplorerUrls"`
		IconURLs       []string `json:"iconUrls"`
		NativeCurrency *struct {
			Name     string `json:"name"`
			Symbol   string `json:"symbol"`
			Decimals *uint8 `json:"decimals"`
		} `json:"nativeCurrency"`
	}
	if err := json.Unmarshal(items[0], &p); err != nil {
		return nil, invalid("malformed chain: %v", err)
	}

	p.ChainID = strings.TrimSpace(p.ChainID)
	if !evmChainIDPattern.MatchString(p.ChainID) {
		return nil, invalid("chainId must be a 0x-prefixed hex string without leading zeros")
	}
	if strings.TrimSpace(p.ChainName) == "" {
		return nil, invalid("chainName is required")
	}
	if len(p.RPCURLs) == 0 {
		return nil, invalid("rpcUrls must contain at least one URL")
	}
	for _, u := range p.RPCURLs {
		if !httpURL(u) {
			return nil, invalid("rpcUrls contains an invalid URL: %s", u)
		}
	}
	nc := p.NativeCurrency
	if nc == nil || strings.TrimSpace(nc.Name) == "" || strings.TrimSpace(nc.Symbol) == "" || nc.Decimals == nil {
		return nil, invalid("nativeCurrency requires name, symbol and decimals")
	}

	out := &AddEthereumChain{
		ChainID:  strings.ToLower(p.ChainID),
		Name:     strings.TrimSpace(p.ChainName),
		RPCURLs:  p.RPCURLs,
		Symbol:   nc.Symbol,
		Decimals: int(*nc.Decimals),
	}
	if len(p.ExplorerURLs) > 0 && p.ExplorerURLs[0] != "" {
		out.Explorer = p.ExplorerURLs[0]
	}
	if len(p.IconURLs) > 0 {
		out.Image = p.IconURLs[0]
	}
	return out, nil
}

// SwitchEthereumChain validates wallet_switchEthereumChain [{chainId}]. An
// unknown chain id is UNRECOGNIZED_CHAIN rather than INVALID_PARAMS.
func SwitchEthereumChain(env Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	var p struct {
		ChainID string `json:"chainId"`
	}
	if err := json.Unmarshal(items[0], &p); err != nil || p.ChainID == "" {
		return nil, invalid("chainId is required")
	}
	if env.Chains != nil {
		for _, d := range env.Chains.List(types.FamilyEVM) {
			if strings.EqualFold(d.ChainID, p.ChainID) {
				return &SwitchChain{Target: d}, nil
			}
		}
	}
	return nil, apperrors.UnrecognizedChain(p.ChainID)
}

// WatchAssetParams validates wallet_watchAsset {type, options}. The token is
// registered on the current network.
func WatchAssetParams(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		Type    string `json:"type"`
		Options *struct {
			Address  string          `json:"address"`
			Symbol   string          `json:"symbol"`
			Decimals *uint8          `json:"decimals"`
			Image    json.RawMessage `json:"image"`
		} `json:"options"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if !strings.EqualFold(p.Type, "ERC20") {
		return nil, invalid("type must be ERC20")
	}
	o := p.Options
	if o == nil {
		return nil, invalid("options are required")
	}
	if err := validation.ValidateEthereumAddress(o.Address); err != nil {
		return nil, invalid("options.address: %v", err)
	}
	if strings.TrimSpace(o.Symbol) == "" || o.Decimals == nil {
		return nil, invalid("options require symbol and decimals")
	}

	// image is a URL or a list of URLs, the first of which is used
	var image string
	if !absent(o.Image) {
		var list []string
		if json.Unmarshal(o.Image, &image) != nil && json.Unmarshal(o.Image, &list) == nil && len(list) > 0 {
			image = list[0]
		}
	}
	return &WatchAsset{Token: chain.Token{
		Family:   types.FamilyEVM,
		ChainID:  env.Current.ChainID,
		Contract: common.HexToAddress(o.Address).Hex(),
		Symbol:   o.Symbol,
		Decimals: int(*o.Decimals),
		Image:    image,
	}}, nil
}

// RPCParams validates passthrough params: absent or an array
func RPCParams(_ Env, raw json.RawMessage) (any, error) {
	if absent(raw) {
		return json.RawMessage("[]"), nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalid("params must be an array")
	}
	return raw, nil
}

// GetBalance validates eth_getBalance, defaulting the block tag to latest
func GetBalance(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 2)
	if err != nil {
		return nil, err
	}
	if _, err := ethAddress(items[0], "address"); err != nil {
		return nil, err
	}
	if len(items) == 1 {
		items = append(items, json.RawMessage(`"latest"`))
	}
	out, _ := json.Marshal(items)
	return json.RawMessage(out), nil
}
