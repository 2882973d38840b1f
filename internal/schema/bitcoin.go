package schema

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/bitcoin"
	"github.com/better-wallet/wallet-core/internal/validation"
)

// Bitcoin message signature types
const (
	BitcoinECDSA  = "ecdsa"
	BitcoinBIP322 = "bip322-simple"
)

// BitcoinNetworks are the networks bit_switchNetwork accepts
var BitcoinNetworks = []string{"mainnet", "signet"}

// BitcoinMessage is a normalized bit_signMessage request
type BitcoinMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Payload implements Signable
func (m *BitcoinMessage) Payload() (adapter.Payload, error) {
	kind := adapter.KindMessage
	if m.Type == BitcoinBIP322 {
		kind = adapter.KindBIP322
	}
	return adapter.Payload{Kind: kind, Bytes: []byte(m.Message)}, nil
}

// SendBitcoin is a normalized bit_sendBitcoin request
type SendBitcoin struct {
	To        string `json:"to"`
	SatAmount int64  `json:"satAmount"`
	FeeRate   int64  `json:"feeRate,omitempty"`
}

// Payload implements Signable
func (s *SendBitcoin) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindTransfer, Data: &bitcoin.PSBTRequest{
		Transfer: &bitcoin.Transfer{To: s.To, Amount: s.SatAmount, FeeRate: s.FeeRate},
	}}, nil
}

// SignPSBT is a normalized bit_signPsbt request
type SignPSBT struct {
	PSBT string `json:"psbt"`
}

// Payload implements Signable. The PSBT is finalized so the caller can
// extract and broadcast it.
func (s *SignPSBT) Payload() (adapter.Payload, error) {
	packet, err := bitcoin.ParsePSBT(s.PSBT)
	if err != nil {
		return adapter.Payload{}, err
	}
	return adapter.Payload{Kind: adapter.KindPSBT, Data: &bitcoin.PSBTRequest{Packet: packet, Finalize: true}}, nil
}

// SignPSBTs is a normalized bit_signPsbts request
type SignPSBTs struct {
	PSBTs []string `json:"psbts"`
}

// Items splits the batch into single PSBT requests
func (s *SignPSBTs) Items() []*SignPSBT {
	out := make([]*SignPSBT, len(s.PSBTs))
	for i, p := range s.PSBTs {
		out[i] = &SignPSBT{PSBT: p}
	}
	return out
}

// BitcoinNetwork is a normalized bit_switchNetwork request
type BitcoinNetwork struct {
	Network string `json:"network"`
}

// PushTx is a normalized bit_pushTx request
type PushTx struct {
	Raw []byte `json:"raw"`
}

// BitcoinSignMessage validates bit_signMessage {message, type?}
func BitcoinSignMessage(_ Env, raw json.RawMessage) (any, error) {
	var p struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, invalid("message is required")
	}
	if p.Type == "" {
		p.Type = BitcoinECDSA
	}
	if p.Type != BitcoinECDSA && p.Type != BitcoinBIP322 {
		return nil, invalid("type must be %s or %s", BitcoinECDSA, BitcoinBIP322)
	}
	return &BitcoinMessage{Message: p.Message, Type: p.Type}, nil
}

// BitcoinSend validates bit_sendBitcoin {to, satAmount, feeRate?}
func BitcoinSend(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		To        string `json:"to"`
		SatAmount int64  `json:"satAmount"`
		FeeRate   int64  `json:"feeRate"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateBitcoinAddress(p.To, env.Current.Network); err != nil {
		return nil, invalid("Invalid address")
	}
	if p.SatAmount <= 0 {
		return nil, invalid("satAmount must be positive")
	}
	if p.FeeRate < 0 {
		return nil, invalid("feeRate cannot be negative")
	}
	return &SendBitcoin{To: p.To, SatAmount: p.SatAmount, FeeRate: p.FeeRate}, nil
}

func psbtParam(raw json.RawMessage, label string) (string, error) {
	s, err := str(raw, label)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if _, err := bitcoin.ParsePSBT(s); err != nil {
		return "", invalid("%s is not a valid PSBT", label)
	}
	return s, nil
}

// BitcoinSignPSBT validates bit_signPsbt with a hex or base64 PSBT string,
// bare or wrapped in a one-element array
func BitcoinSignPSBT(_ Env, raw json.RawMessage) (any, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		items, err := positional(raw, 1, 1)
		if err != nil {
			return nil, err
		}
		raw = items[0]
	}
	s, err := psbtParam(raw, "psbt")
	if err != nil {
		return nil, err
	}
	return &SignPSBT{PSBT: s}, nil
}

// BitcoinSignPSBTs validates bit_signPsbts with a list of PSBT strings
func BitcoinSignPSBTs(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, -1)
	if err != nil {
		return nil, err
	}
	out := &SignPSBTs{}
	for _, item := range items {
		s, err := psbtParam(item, "psbts")
		if err != nil {
			return nil, err
		}
		out.PSBTs = append(out.PSBTs, s)
	}
	return out, nil
}

// BitcoinSwitchNetwork validates bit_switchNetwork [network]
func BitcoinSwitchNetwork(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	network, err := str(items[0], "network")
	if err != nil {
		return nil, err
	}
	for _, n := range BitcoinNetworks {
		if n == network {
			return &BitcoinNetwork{Network: network}, nil
		}
	}
	return nil, invalid("the network is invalid, supported networks: %s", strings.Join(BitcoinNetworks, ","))
}

// BitcoinPushTx validates bit_pushTx [rawTxHex]. The transaction must decode.
func BitcoinPushTx(_ Env, raw json.RawMessage) (any, error) {
	items, err := positional(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	s, err := str(items[0], "tx")
	if err != nil {
		return nil, err
	}
	b, err := decodeHex(s)
	if err != nil {
		return nil, invalid("Invalid transaction")
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, invalid("Invalid transaction")
	}
	return &PushTx{Raw: b}, nil
}
