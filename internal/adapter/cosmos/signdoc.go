package cosmos

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DirectSignDoc is the SIGN_MODE_DIRECT document. Byte fields arrive hex
// or base64 encoded from the origin and are decoded by the schema layer.
type DirectSignDoc struct {
	BodyBytes     []byte
	AuthInfoBytes []byte
	ChainID       string
	AccountNumber uint64
}

// Marshal encodes the sign doc as the cosmos.tx.v1beta1.SignDoc message
func (d DirectSignDoc) Marshal() []byte {
	var b []byte
	if len(d.BodyBytes) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.BodyBytes)
	}
	if len(d.AuthInfoBytes) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.AuthInfoBytes)
	}
	if d.ChainID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, d.ChainID)
	}
	if d.AccountNumber != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.AccountNumber)
	}
	return b
}

// MarshalJSON renders the doc the way it is echoed back to the origin
func (d DirectSignDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BodyBytes     string `json:"body_bytes"`
		AuthInfoBytes string `json:"auth_info_bytes"`
		ChainID       string `json:"chain_id"`
		AccountNumber string `json:"account_number"`
	}{
		BodyBytes:     base64.StdEncoding.EncodeToString(d.BodyBytes),
		AuthInfoBytes: base64.StdEncoding.EncodeToString(d.AuthInfoBytes),
		ChainID:       d.ChainID,
		AccountNumber: fmt.Sprintf("%d", d.AccountNumber),
	})
}

// TxRaw assembles a signed cosmos.tx.v1beta1.TxRaw for broadcast
func TxRaw(bodyBytes, authInfoBytes []byte, signatures ...[]byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, bodyBytes)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, authInfoBytes)
	for _, sig := range signatures {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, sig)
	}
	return b
}

// SortedJSON re-encodes an amino sign doc with sorted object keys and
// escaped &, <, > as required for amino JSON signing.
func SortedJSON(doc json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid amino sign doc: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("amino sign doc must be an object")
	}
	// encoding/json writes map keys in sorted order and escapes HTML characters
	return json.Marshal(v)
}

// ADR036Doc builds the off-chain message sign doc for an arbitrary payload
func ADR036Doc(signer string, data []byte) json.RawMessage {
	doc := map[string]any{
		"chain_id":       "",
		"account_number": "0",
		"sequence":       "0",
		"fee":            map[string]any{"gas": "0", "amount": []any{}},
		"msgs": []any{map[string]any{
			"type":  "sign/MsgSignData",
			"value": map[string]any{"signer": signer, "data": base64.StdEncoding.EncodeToString(data)},
		}},
		"memo": "",
	}
	raw, _ := json.Marshal(doc)
	return raw
}
