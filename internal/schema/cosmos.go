package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/cosmos"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/validation"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// SignOptions are the UI hints that accompany a cosmos sign doc
type SignOptions struct {
	EditFee      bool `json:"isEditFee"`
	EditMemo     bool `json:"isEditMemo"`
	CheckBalance bool `json:"isCheckBalance"`
}

func (o *SignOptions) defaults() {
	o.EditFee = true
	o.EditMemo = false
	o.CheckBalance = true
}

// AminoSign is a normalized cos_signAmino request
type AminoSign struct {
	Target  chain.Descriptor `json:"chain"`
	Doc     json.RawMessage  `json:"doc"`
	Options SignOptions      `json:"options"`
}

// Payload implements Signable
func (a *AminoSign) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindAmino, Data: a.Doc}, nil
}

// Chain implements ChainScoped
func (a *AminoSign) Chain() chain.Descriptor { return a.Target }

// DirectSign is a normalized cos_signDirect request
type DirectSign struct {
	Target  chain.Descriptor     `json:"chain"`
	Doc     cosmos.DirectSignDoc `json:"doc"`
	Options SignOptions          `json:"options"`
}

// Payload implements Signable
func (d *DirectSign) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindDirect, Data: d.Doc}, nil
}

// Chain implements ChainScoped
func (d *DirectSign) Chain() chain.Descriptor { return d.Target }

// CosmosMessage is a normalized cos_signMessage request
type CosmosMessage struct {
	Target  chain.Descriptor `json:"chain"`
	Message string           `json:"message"`
	Signer  string           `json:"signer"`
}

// Payload implements Signable
func (m *CosmosMessage) Payload() (adapter.Payload, error) {
	return adapter.Payload{Kind: adapter.KindMessage, Bytes: []byte(m.Message), Address: m.Signer}, nil
}

// Chain implements ChainScoped
func (m *CosmosMessage) Chain() chain.Descriptor { return m.Target }

// SignerAddress implements Addressed
func (m *CosmosMessage) SignerAddress() string { return m.Signer }

// VerifyMessage is a normalized cos_verifyMessage request
type VerifyMessage struct {
	CosmosMessage
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// SendTransaction is a normalized cos_sendTransaction request
type SendTransaction struct {
	Target  chain.Descriptor `json:"chain"`
	TxBytes []byte           `json:"txBytes"`
	Mode    int              `json:"mode"`
}

// AddTokens is a normalized cos_addTokensCW20 request
type AddTokens struct {
	Target chain.Descriptor `json:"chain"`
	Tokens []chain.Token    `json:"tokens"`
}

// AddCosmosChain is a normalized cos_addChain request
type AddCosmosChain struct {
	Descriptor chain.Descriptor `json:"descriptor"`
}

// ChainNameParam is a request that only names a chain, such as cos_requestAccount
type ChainNameParam struct {
	Target chain.Descriptor `json:"chain"`
}

// Chain implements ChainScoped
func (c *ChainNameParam) Chain() chain.Descriptor { return c.Target }

// chainIDPattern accepts the chain id of any revision of chainID, so
// cosmoshub-4 accepts cosmoshub-5 after an upgrade.
func chainIDPattern(chainID string) *regexp.Regexp {
	prefix, _, _ := strings.Cut(chainID, "-")
	return regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "(.*)$")
}

// ChainName validates {chainName}
func ChainName(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, err := namedChain(env, types.FamilyCosmos, p.ChainName)
	if err != nil {
		return nil, err
	}
	return &ChainNameParam{Target: d}, nil
}

type aminoDoc struct {
	ChainID       string `json:"chain_id"`
	Sequence      string `json:"sequence"`
	AccountNumber string `json:"account_number"`
	Fee           *struct {
		Amount []struct {
			Amount string `json:"amount"`
			Denom  string `json:"denom"`
		} `json:"amount"`
		Gas string `json:"gas"`
	} `json:"fee"`
	Memo *string `json:"memo"`
	Msgs []struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"msgs"`
}

func (doc aminoDoc) validate(d chain.Descriptor) error {
	if !chainIDPattern(d.ChainID).MatchString(strings.TrimSpace(doc.ChainID)) {
		return fmt.Errorf("doc.chain_id %q does not belong to %s", doc.ChainID, d.Name)
	}
	if doc.Sequence == "" || doc.AccountNumber == "" {
		return fmt.Errorf("doc requires sequence and account_number")
	}
	if doc.Fee == nil || doc.Fee.Gas == "" {
		return fmt.Errorf("doc.fee.gas is required")
	}
	for _, c := range doc.Fee.Amount {
		if c.Amount == "" || c.Denom == "" {
			return fmt.Errorf("doc.fee.amount entries require amount and denom")
		}
	}
	for _, m := range doc.Msgs {
		if m.Type == "" {
			return fmt.Errorf("doc.msgs entries require a type")
		}
	}
	return nil
}

// SignAmino validates cos_signAmino {chainName, doc, isEditFee?, isEditMemo?, isCheckBalance?}
func SignAmino(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string          `json:"chainName"`
		Doc       json.RawMessage `json:"doc"`
		SignOptions
	}
	p.defaults()
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, err := namedChain(env, types.FamilyCosmos, p.ChainName)
	if err != nil {
		return nil, err
	}
	var doc aminoDoc
	if absent(p.Doc) || json.Unmarshal(p.Doc, &doc) != nil {
		return nil, invalid("doc must be an amino sign doc")
	}
	if err := doc.validate(d); err != nil {
		return nil, invalid("%v", err)
	}
	return &AminoSign{Target: d, Doc: p.Doc, Options: p.SignOptions}, nil
}

// byteList decodes a byte array sent as a list of numbers, hex or base64
type byteList []byte

func (b *byteList) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err == nil {
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return fmt.Errorf("byte value %d out of range", n)
			}
			out[i] = byte(n)
		}
		*b = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a byte array")
	}
	if raw, err := decodeHex(s); err == nil {
		*b = raw
		return nil
	}
	raw, err := decodeBase64(s)
	if err != nil {
		return fmt.Errorf("expected a byte array")
	}
	*b = raw
	return nil
}

// SignDirect validates cos_signDirect {chainName, doc{chain_id,
// account_number, auth_info_bytes, body_bytes}, options}
func SignDirect(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
		Doc       *struct {
			ChainID       string    `json:"chain_id"`
			AccountNumber string    `json:"account_number"`
			AuthInfoBytes *byteList `json:"auth_info_bytes"`
			BodyBytes     *byteList `json:"body_bytes"`
		} `json:"doc"`
		SignOptions
	}
	p.defaults()
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, err := namedChain(env, types.FamilyCosmos, p.ChainName)
	if err != nil {
		return nil, err
	}
	doc := p.Doc
	if doc == nil || doc.AuthInfoBytes == nil || doc.BodyBytes == nil {
		return nil, invalid("doc requires auth_info_bytes and body_bytes")
	}
	chainID := strings.TrimSpace(doc.ChainID)
	if !chainIDPattern(d.ChainID).MatchString(chainID) {
		return nil, invalid("doc.chain_id %q does not belong to %s", doc.ChainID, d.Name)
	}
	accountNumber, err := strconv.ParseUint(doc.AccountNumber, 10, 64)
	if err != nil {
		return nil, invalid("doc.account_number must be an unsigned integer")
	}
	return &DirectSign{
		Target: d,
		Doc: cosmos.DirectSignDoc{
			BodyBytes:     *doc.BodyBytes,
			AuthInfoBytes: *doc.AuthInfoBytes,
			ChainID:       chainID,
			AccountNumber: accountNumber,
		},
		Options: p.SignOptions,
	}, nil
}

func cosmosMessage(env Env, chainName, message, signer string) (*CosmosMessage, error) {
	d, err := namedChain(env, types.FamilyCosmos, chainName)
	if err != nil {
		return nil, err
	}
	if message == "" {
		return nil, invalid("message is required")
	}
	if err := validation.ValidateBech32Address(signer, d.AccountPrefix); err != nil {
		return nil, invalid("signer: %v", err)
	}
	return &CosmosMessage{Target: d, Message: message, Signer: signer}, nil
}

// SignMessage validates cos_signMessage {chainName, message, signer}
func SignMessage(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
		Message   string `json:"message"`
		Signer    string `json:"signer"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return cosmosMessage(env, p.ChainName, p.Message, p.Signer)
}

// VerifyMessageParams validates cos_verifyMessage {chainName, message,
// signer, publicKey, signature}
func VerifyMessageParams(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
		Message   string `json:"message"`
		Signer    string `json:"signer"`
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	msg, err := cosmosMessage(env, p.ChainName, p.Message, p.Signer)
	if err != nil {
		return nil, err
	}
	if p.PublicKey == "" || p.Signature == "" {
		return nil, invalid("publicKey and signature are required")
	}
	return &VerifyMessage{CosmosMessage: *msg, PublicKey: p.PublicKey, Signature: p.Signature}, nil
}

// SendTransactionParams validates cos_sendTransaction {chainName, txBytes, mode}
func SendTransactionParams(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
		TxBytes   string `json:"txBytes"`
		Mode      *int   `json:"mode"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, err := namedChain(env, types.FamilyCosmos, p.ChainName)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateBase64(p.TxBytes); err != nil {
		return nil, invalid("txBytes: %v", err)
	}
	tx, _ := decodeBase64(p.TxBytes)
	if p.Mode == nil || *p.Mode < 0 {
		return nil, invalid("mode is required")
	}
	return &SendTransaction{Target: d, TxBytes: tx, Mode: *p.Mode}, nil
}

// AddTokensCW20 validates cos_addTokensCW20 {chainName, tokens[{contractAddress}]}
func AddTokensCW20(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainName string `json:"chainName"`
		Tokens    []struct {
			ContractAddress string `json:"contractAddress"`
			Symbol          string `json:"symbol"`
			Decimals        int    `json:"decimals"`
			ImageURL        string `json:"imageURL"`
		} `json:"tokens"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, err := namedChain(env, types.FamilyCosmos, p.ChainName)
	if err != nil {
		return nil, err
	}
	if len(p.Tokens) == 0 {
		return nil, invalid("tokens are required")
	}
	out := &AddTokens{Target: d}
	for i, t := range p.Tokens {
		if err := validation.ValidateBech32Address(t.ContractAddress, d.AccountPrefix); err != nil {
			return nil, invalid("tokens[%d].contractAddress: %v", i, err)
		}
		out.Tokens = append(out.Tokens, chain.Token{
			Family:   types.FamilyCosmos,
			ChainID:  d.ChainID,
			Contract: t.ContractAddress,
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
			Image:    t.ImageURL,
		})
	}
	return out, nil
}

// AddChainParams validates cos_addChain. The chain id must not be a built-in
// chain and the name must not collide with any known chain name or id.
func AddChainParams(env Env, raw json.RawMessage) (any, error) {
	var p struct {
		ChainID       string `json:"chainId"`
		ChainName     string `json:"chainName"`
		RestURL       string `json:"restURL"`
		ImageURL      string `json:"imageURL"`
		BaseDenom     string `json:"baseDenom"`
		DisplayDenom  string `json:"displayDenom"`
		Decimals      *int   `json:"decimals"`
		CoinType      string `json:"coinType"`
		AddressPrefix string `json:"addressPrefix"`
		GasRate       *struct {
			Tiny    string `json:"tiny"`
			Low     string `json:"low"`
			Average string `json:"average"`
		} `json:"gasRate"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}

	p.ChainID = strings.ToLower(strings.TrimSpace(p.ChainID))
	p.ChainName = strings.TrimSpace(p.ChainName)
	if p.ChainID == "" || p.ChainName == "" {
		return nil, invalid("chainId and chainName are required")
	}
	if p.RestURL == "" || !httpURL(p.RestURL) {
		return nil, invalid("restURL must be an http(s) URL")
	}
	if p.BaseDenom == "" || p.DisplayDenom == "" {
		return nil, invalid("baseDenom and displayDenom are required")
	}
	if !validation.Bech32PrefixPattern.MatchString(p.AddressPrefix) {
		return nil, invalid("addressPrefix is required")
	}
	if p.CoinType != "" && !validation.CoinTypePattern.MatchString(p.CoinType) {
		return nil, invalid("coinType must be a number with an optional '")
	}

	if env.Chains != nil {
		for _, d := range env.Chains.List(types.FamilyCosmos) {
			if !d.Custom && strings.EqualFold(d.ChainID, p.ChainID) {
				return nil, invalid("chainId %s is a built-in chain", p.ChainID)
			}
			if strings.EqualFold(d.Name, p.ChainName) || strings.EqualFold(d.ChainID, p.ChainName) {
				return nil, invalid("chainName %s is already in use", p.ChainName)
			}
		}
	}

	decimals := 6
	if p.Decimals != nil {
		if *p.Decimals < 0 || *p.Decimals > 36 {
			return nil, invalid("decimals must be between 0 and 36")
		}
		decimals = *p.Decimals
	}
	var gasRate []string
	if g := p.GasRate; g != nil {
		for _, r := range []string{g.Tiny, g.Low, g.Average} {
			if !validation.GasRatePattern.MatchString(r) {
				return nil, invalid("gasRate requires decimal tiny, low and average rates")
			}
		}
		gasRate = []string{g.Tiny, g.Low, g.Average}
	}
	coinType := strings.TrimSuffix(p.CoinType, "'")
	if coinType == "" {
		coinType = "118"
	}

	return &AddCosmosChain{Descriptor: chain.Descriptor{
		Family:         types.FamilyCosmos,
		Name:           p.ChainName,
		ChainID:        p.ChainID,
		LCDEndpoints:   []string{p.RestURL},
		AccountTypes:   chain.AccountTypesFor(types.FamilyCosmos, coinType),
		AccountPrefix:  p.AddressPrefix,
		CoinType:       coinType,
		MainAssetDenom: p.BaseDenom,
		Decimals:       decimals,
		GasRate:        gasRate,
	}}, nil
}
