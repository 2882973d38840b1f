package schema

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/aptos"
	"github.com/better-wallet/wallet-core/internal/validation"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Connect is a normalized sui_connect / iota_connect request
type Connect struct {
	Scopes []string `json:"scopes"`
}

// MoveMessage is a normalized sui_signMessage / sui_signPersonalMessage request
type MoveMessage struct {
	Message        []byte `json:"message"`
	AccountAddress string `json:"accountAddress,omitempty"`
}

// Payload implements Signable
func (m *MoveMessage) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindMessage, Bytes: m.Message, Address: m.AccountAddress}, nil
}

// SignerAddress implements Addressed
func (m *MoveMessage) SignerAddress() string { return m.AccountAddress }

// MoveTransaction is a normalized Sui/IOTA transaction request carrying
// BCS TransactionData bytes
type MoveTransaction struct {
	TxBytes []byte          `json:"txBytes"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Payload implements Signable
func (t *MoveTransaction) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindTransaction, Bytes: t.TxBytes}, nil
}

// AptosMessage is a normalized aptos_signMessage request
type AptosMessage struct {
	Request aptos.MessageRequest `json:"request"`
}

// Payload implements Signable
func (m *AptosMessage) Payload() (adapter.Payload, error) {
	req := m.Request
	return adapter.Payload{Kind: adapter.KindMessage, Data: &req}, nil
}

// AptosTransaction is a normalized aptos_signTransaction request
type AptosTransaction struct {
	TxBytes    []byte `json:"txBytes"`
	AsFeePayer bool   `json:"asFeePayer,omitempty"`
}

// Payload implements Signable
func (t *AptosTransaction) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindTransaction, Bytes: t.TxBytes, Data: &aptos.TxOptions{AsFeePayer: t.AsFeePayer}}, nil
}

// MoveConnect validates [scope, ...] against the scopes of the current family
func MoveConnect(env Env, raw json.RawMessage) (any, error) {
	var scopes []string
	if err := decode(raw, &scopes); err != nil {
		return nil, err
	}
	allowed := types.GranularScopes(env.Current.Family)
	if len(scopes) == 0 {
		return nil, invalid("at least one permission is required")
	}

	seen := make(map[string]bool, len(scopes))
	out := &Connect{}
	for _, s := range scopes {
		known := false
		for _, a := range allowed {
			if a == s {
				known = true
				break
			}
		}
		if !known {
			return nil, invalid("permission must be one of [%s]", strings.Join(allowed, ", "))
		}
		if !seen[s] {
			seen[s] = true
			out.Scopes = append(out.Scopes, s)
		}
	}
	return out, nil
}

// MoveSignMessage validates {message (base64), accountAddress?}
func MoveSignMessage(_ Env, raw json.RawMessage) (any, error) {
	var p struct {
		Message        string `json:"message"`
		AccountAddress string `json:"accountAddress"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, invalid("message is required")
	}
	msg, err := decodeBase64(p.Message)
	if err != nil {
		return nil, invalid("message must be base64")
	}
	if p.AccountAddress != "" {
		if err := validation.ValidateMoveAddress(p.AccountAddress); err != nil {
			return nil, invalid("accountAddress: %v", err)
		}
	}
	return &MoveMessage{Message: msg, AccountAddress: strings.ToLower(p.AccountAddress)}, nil
}

// MoveSignTransaction validates a single transaction param, given either as
// {transactionBlockSerialized, options?} or as a bare base64 string
func MoveSignTransaction(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 1)
	if err != nil {
		return nil, err
	}

	var serialized string
	var options json.RawMessage
	if json.Unmarshal(items[0], &serialized) != nil {
		var p struct {
			Serialized string          `json:"transactionBlockSerialized"`
			Options    json.RawMessage `json:"options"`
		}
		if err := json.Unmarshal(items[0], &p); err != nil {
			return nil, invalid("transaction must be base64 or an object")
		}
		serialized, options = p.Serialized, p.Options
	}
	if serialized == "" {
		return nil, invalid("transactionBlockSerialized is required")
	}
	tx, err := decodeBase64(serialized)
	if err != nil || len(tx) == 0 {
		return nil, invalid("transactionBlockSerialized must be base64 BCS bytes")
	}
	if absent(options) {
		options = nil
	}
	return &MoveTransaction{TxBytes: tx, Options: options}, nil
}

// AptosSignMessage validates {message, nonce, address?, application?, chainId?}
func AptosSignMessage(_ Env, raw json.RawMessage) (any, error) {
	var p struct {
		Message     string          `json:"message"`
		Nonce       json.RawMessage `json:"nonce"`
		Address     bool            `json:"address"`
		Application bool            `json:"application"`
		ChainID     bool            `json:"chainId"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, invalid("message is required")
	}
	if absent(p.Nonce) {
		return nil, invalid("nonce is required")
	}
	var n json.Number
	if err := json.Unmarshal(p.Nonce, &n); err != nil {
		return nil, invalid("nonce must be a number")
	}
	nonce, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return nil, invalid("nonce must be a non-negative integer")
	}
	return &AptosMessage{Request: aptos.MessageRequest{
		Message:     p.Message,
		Nonce:       nonce,
		Address:     p.Address,
		Application: p.Application,
		ChainID:     p.ChainID,
	}}, nil
}

// AptosSignTransaction validates {serializedTxHex, asFeePayer?}
func AptosSignTransaction(_ Env, raw json.RawMessage) (any, error) {
	var p struct {
		SerializedTxHex string `json:"serializedTxHex"`
		AsFeePayer      bool   `json:"asFeePayer"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	tx, err := decodeHex(p.SerializedTxHex)
	if err != nil || len(tx) == 0 {
		return nil, invalid("serializedTxHex must be hex encoded")
	}
	return &AptosTransaction{TxBytes: tx, AsFeePayer: p.AsFeePayer}, nil
}
