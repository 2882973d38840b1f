package validation

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// EthereumAddressPattern is the regex pattern for Ethereum addresses
	EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

	// MoveAddressPattern matches full-length Sui and IOTA addresses
	MoveAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

	// AptosAddressPattern accepts short-form Aptos addresses
	AptosAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

	// HexDataPattern matches 0x-prefixed, even-length hex data
	HexDataPattern = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)

	// CoinTypePattern matches a BIP-44 coin type with optional hardening
	CoinTypePattern = regexp.MustCompile(`^[0-9]+'?$`)

	// GasRatePattern matches a non-negative decimal gas price
	GasRatePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

	// Bech32PrefixPattern matches a human-readable bech32 prefix
	Bech32PrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
)

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	return nil
}

// ValidateEthereumRecipient validates a transfer destination. The zero
// address is rejected since funds sent there are unrecoverable.
func ValidateEthereumRecipient(address string) error {
	if err := ValidateEthereumAddress(address); err != nil {
		return err
	}
	if strings.ToLower(address) == "0x0000000000000000000000000000000000000000" {
		return fmt.Errorf("cannot send to zero address")
	}
	return nil
}

// ValidateHexData validates 0x-prefixed hex data
func ValidateHexData(data string) error {
	if !HexDataPattern.MatchString(data) {
		return fmt.Errorf("invalid hex data: must be 0x followed by an even number of hex characters")
	}
	return nil
}

// ValidateBase64 validates standard base64 with padding
func ValidateBase64(data string) error {
	if data == "" {
		return fmt.Errorf("base64 data cannot be empty")
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	return nil
}

// ValidateBech32Address checks a bech32 address and its human-readable prefix
func ValidateBech32Address(address, prefix string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	hrp, _, err := bech32.Decode(address)
	if err != nil {
		return fmt.Errorf("invalid bech32 address: %w", err)
	}
	if prefix != "" && hrp != prefix {
		return fmt.Errorf("address prefix %q does not match %q", hrp, prefix)
	}
	return nil
}

// ValidateMoveAddress validates a Sui or IOTA address
func ValidateMoveAddress(address string) error {
	if !MoveAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid address format: must be 0x followed by 64 hex characters")
	}
	return nil
}

// ValidateAptosAddress validates an Aptos account address
func ValidateAptosAddress(address string) error {
	if !AptosAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Aptos address format")
	}
	return nil
}

// BitcoinParams maps a network name to chain parameters
func BitcoinParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network: %s", network)
	}
}

// ValidateBitcoinAddress checks that address decodes for the given network
func ValidateBitcoinAddress(address, network string) error {
	params, err := BitcoinParams(network)
	if err != nil {
		return err
	}
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address is not for %s", network)
	}
	return nil
}

// ValidateChainName checks that name is one of the known chain names,
// compared case-insensitively.
func ValidateChainName(name string, known []string) error {
	for _, k := range known {
		if strings.EqualFold(k, name) {
			return nil
		}
	}
	return fmt.Errorf("unknown chain name: %s", name)
}

// ValidateGasParameters validates EVM gas parameters. Either a legacy gas
// price or an EIP-1559 fee cap pair may be supplied; a zero gas limit means
// "estimate".
func ValidateGasParameters(gasLimit uint64, gasPrice, gasFeeCap, gasTipCap *big.Int) error {
	if gasLimit != 0 && gasLimit < 21000 {
		return fmt.Errorf("gas limit too low: minimum 21000 for transfers")
	}

	if gasLimit > 30000000 {
		return fmt.Errorf("gas limit too high: maximum 30000000")
	}

	if gasPrice != nil && (gasFeeCap != nil || gasTipCap != nil) {
		return fmt.Errorf("gasPrice cannot be combined with maxFeePerGas or maxPriorityFeePerGas")
	}

	if gasPrice != nil && gasPrice.Sign() < 0 {
		return fmt.Errorf("gas price cannot be negative")
	}

	if gasFeeCap != nil && gasFeeCap.Sign() <= 0 {
		return fmt.Errorf("gas fee cap must be positive")
	}

	if gasTipCap != nil && gasTipCap.Sign() < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}

	if gasFeeCap != nil && gasTipCap != nil && gasTipCap.Cmp(gasFeeCap) > 0 {
		return fmt.Errorf("gas tip cap cannot exceed gas fee cap")
	}

	// 100000 Gwei
	maxGasPrice := new(big.Int).SetUint64(100000000000000)
	for _, p := range []*big.Int{gasPrice, gasFeeCap} {
		if p != nil && p.Cmp(maxGasPrice) > 0 {
			return fmt.Errorf("gas price too high: maximum 100000 Gwei")
		}
	}

	return nil
}

// ValidateTransactionValue validates a transaction value
func ValidateTransactionValue(value *big.Int) error {
	if value == nil {
		return nil
	}
	if value.Sign() < 0 {
		return fmt.Errorf("value cannot be negative")
	}
	return nil
}
