// Package schema validates and normalizes the params of every supported
// method. Validation runs before any side effect, so nothing here touches
// storage, keys or the network.
package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Env is the chain context a request is validated against
type Env struct {
	Chains *chain.Registry
	// Current is the selected network of the request's family
	Current chain.Descriptor
}

// Func validates raw params. It returns the normalized params or an
// INVALID_PARAMS AppError carrying a developer-facing reason.
type Func func(env Env, raw json.RawMessage) (any, error)

// None accepts any params for methods that take none
func None(Env, json.RawMessage) (any, error) { return nil, nil }

// Signable is implemented by normalized params that produce a payload to sign
type Signable interface {
	Payload() (adapter.Payload, error)
}

// Addressed is implemented by params naming the signer address. An empty
// address means the request did not name one.
type Addressed interface {
	SignerAddress() string
}

// ChainScoped is implemented by params that name their target chain rather
// than using the family's current network.
type ChainScoped interface {
	Chain() chain.Descriptor
}

func invalid(format string, args ...any) error {
	return apperrors.InvalidParams(fmt.Sprintf(format, args...))
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decode unmarshals required params
func decode(raw json.RawMessage, v any) error {
	if absent(raw) {
		return invalid("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid("malformed params: %v", err)
	}
	return nil
}

// positional decodes a params array bounded to [min, max] elements
func positional(raw json.RawMessage, minLen, maxLen int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := decode(raw, &items); err != nil {
		return nil, err
	}
	if len(items) < minLen {
		return nil, invalid("expected at least %d params, got %d", minLen, len(items))
	}
	if maxLen >= 0 && len(items) > maxLen {
		return nil, invalid("expected at most %d params, got %d", maxLen, len(items))
	}
	return items, nil
}

// str decodes a required non-empty string param
func str(raw json.RawMessage, label string) (string, error) {
	var s string
	if absent(raw) {
		return "", invalid("%s is required", label)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid("%s must be a string", label)
	}
	if strings.TrimSpace(s) == "" {
		return "", invalid("%s is required", label)
	}
	return s, nil
}

// decodeBase64 accepts standard or URL-safe base64 with or without padding
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

// decodeHex accepts hex with or without a 0x prefix
func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// chainNames lists the lowercase names of a family's chains
func chainNames(env Env, family types.ChainFamily) []string {
	if env.Chains == nil {
		return nil
	}
	chains := env.Chains.List(family)
	out := make([]string, 0, len(chains))
	for _, d := range chains {
		out = append(out, strings.ToLower(d.Name))
	}
	return out
}

// namedChain resolves a chainName param against the family's known names
func namedChain(env Env, family types.ChainFamily, name string) (chain.Descriptor, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return chain.Descriptor{}, invalid("chainName is required")
	}
	if env.Chains != nil {
		for _, d := range env.Chains.List(family) {
			if strings.ToLower(d.Name) == name {
				return d, nil
			}
		}
	}
	return chain.Descriptor{}, invalid("chainName must be one of [%s]", strings.Join(chainNames(env, family), ", "))
}
