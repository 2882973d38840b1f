package keyexec

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/better-wallet/wallet-core/pkg/types"
)

// Curve identifies the signature scheme of a derived key
type Curve string

// Curves
const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
)

// CurveFor maps a pubkey style onto its curve
func CurveFor(pubkeyStyle string) Curve {
	if pubkeyStyle == types.PubkeyEd25519 {
		return CurveEd25519
	}
	return CurveSecp256k1
}

// PrivateKey is a derived signing key. Exactly one of Secp and Ed is set.
type PrivateKey struct {
	Curve Curve
	Secp  *btcec.PrivateKey
	Ed    ed25519.PrivateKey
}

// PublicKey returns the compressed secp256k1 key or the raw ed25519 key
func (k *PrivateKey) PublicKey() []byte {
	if k.Curve == CurveEd25519 {
		return append([]byte(nil), k.Ed.Public().(ed25519.PublicKey)...)
	}
	return k.Secp.PubKey().SerializeCompressed()
}

// Zero wipes the key material
func (k *PrivateKey) Zero() {
	if k == nil {
		return
	}
	if k.Secp != nil {
		k.Secp.Zero()
	}
	Zero(k.Ed)
}

// GenerateMnemonic creates a new 12-word BIP-39 mnemonic
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer Zero(entropy)
	return bip39.NewMnemonic(entropy)
}

// ValidMnemonic reports whether mnemonic has a valid word list and checksum
func ValidMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// ParsePrivateKey decodes a 32-byte hex private key, with or without 0x
func ParsePrivateKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("private key must be hex encoded")
	}
	if len(raw) != 32 {
		Zero(raw)
		return nil, fmt.Errorf("private key must be 32 bytes")
	}
	return raw, nil
}

// Derive produces the key for one account type from an opened account
// secret. Mnemonic secrets are derived along path; private key secrets are
// used directly, as an ed25519 seed for ed25519 chains.
func Derive(kind types.AccountKind, secret []byte, pubkeyStyle, path string) (*PrivateKey, error) {
	curve := CurveFor(pubkeyStyle)

	switch kind {
	case types.AccountMnemonic:
		mnemonic := normalizeMnemonic(string(secret))
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, fmt.Errorf("invalid mnemonic")
		}
		seed := bip39.NewSeed(mnemonic, "")
		defer Zero(seed)

		if curve == CurveEd25519 {
			return deriveEd25519(seed, path)
		}
		return deriveSecp256k1(seed, path)

	case types.AccountPrivateKey:
		if len(secret) != 32 {
			return nil, fmt.Errorf("private key must be 32 bytes")
		}
		if curve == CurveEd25519 {
			return &PrivateKey{Curve: CurveEd25519, Ed: ed25519.NewKeyFromSeed(secret)}, nil
		}
		priv, _ := btcec.PrivKeyFromBytes(secret)
		return &PrivateKey{Curve: CurveSecp256k1, Secp: priv}, nil

	default:
		return nil, fmt.Errorf("account kind %s has no derivable key", kind)
	}
}

// ParsePath parses a BIP-32 path such as m/44'/60'/0'/0/0
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path %q", path)
	}

	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path %q: %w", path, err)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}

func deriveSecp256k1(seed []byte, path string) (*PrivateKey, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	// the network only affects serialization, which is never used here
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	for _, idx := range indexes {
		child, err := key.Derive(idx)
		key.Zero()
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
		key = child
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return &PrivateKey{Curve: CurveSecp256k1, Secp: priv}, nil
}

// deriveEd25519 implements SLIP-0010 for ed25519, where every level is hardened
func deriveEd25519(seed []byte, path string) (*PrivateKey, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	for _, idx := range indexes {
		if idx < hdkeychain.HardenedKeyStart {
			Zero(sum)
			return nil, fmt.Errorf("ed25519 derivation requires hardened indexes: %s", path)
		}
		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, idx)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		Zero(data)
		next := mac.Sum(nil)
		Zero(sum)
		sum = next
		key, chainCode = sum[:32], sum[32:]
	}
	defer Zero(sum)

	return &PrivateKey{Curve: CurveEd25519, Ed: ed25519.NewKeyFromSeed(key)}, nil
}

func normalizeMnemonic(m string) string {
	return strings.Join(strings.Fields(strings.ToLower(m)), " ")
}
