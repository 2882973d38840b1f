package chain

import (
	"strings"

	"github.com/better-wallet/wallet-core/pkg/types"
)

var (
	evmAccount = []types.AccountType{{HDPath: "m/44'/60'/0'/0/${index}", PubkeyStyle: types.PubkeyKeccak256, IsDefault: true}}

	cosmosAccount = []types.AccountType{{HDPath: "m/44'/118'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true}}

	bitcoinAccount = []types.AccountType{
		{HDPath: "m/84'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2WPKH, IsDefault: true},
		{HDPath: "m/86'/0'/0'/0/${index}", PubkeyStyle: types.PubkeyP2TR},
	}

	signetAccount = []types.AccountType{
		{HDPath: "m/84'/1'/0'/0/${index}", PubkeyStyle: types.PubkeyP2WPKH, IsDefault: true},
		{HDPath: "m/86'/1'/0'/0/${index}", PubkeyStyle: types.PubkeyP2TR},
	}

	suiAccount   = []types.AccountType{{HDPath: "m/44'/784'/0'/0'/${index}'", PubkeyStyle: types.PubkeyEd25519, IsDefault: true}}
	iotaAccount  = []types.AccountType{{HDPath: "m/44'/4218'/0'/0'/${index}'", PubkeyStyle: types.PubkeyEd25519, IsDefault: true}}
	aptosAccount = []types.AccountType{{HDPath: "m/44'/637'/${index}'/0'/0'", PubkeyStyle: types.PubkeyEd25519, IsDefault: true}}
)

// AccountTypesFor returns the account types of a user-added chain. Cosmos
// chains on coin type 60 are ethermint-style and hash keys with keccak.
func AccountTypesFor(family types.ChainFamily, coinType string) []types.AccountType {
	switch family {
	case types.FamilyEVM:
		return evmAccount
	case types.FamilyCosmos:
		coinType = strings.TrimSuffix(coinType, "'")
		if coinType == "" || coinType == "118" {
			return cosmosAccount
		}
		style := types.PubkeySecp256k1
		if coinType == "60" {
			style = types.PubkeyKeccak256
		}
		return []types.AccountType{{HDPath: "m/44'/" + coinType + "'/0'/0/${index}", PubkeyStyle: style, IsDefault: true}}
	default:
		return nil
	}
}

// Defaults returns the built-in chain list
func Defaults() []Descriptor {
	return []Descriptor{
		// EVM
		{
			Family: types.FamilyEVM, ID: "ethereum", Name: "Ethereum", ChainID: "0x1",
			Endpoints:      []string{"https://ethereum-rpc.publicnode.com", "https://eth.llamarpc.com"},
			Explorer:       "https://etherscan.io",
			AccountTypes:   evmAccount,
			CoinType:       "60",
			MainAssetDenom: "ETH", Decimals: 18,
		},
		{
			Family: types.FamilyEVM, ID: "sepolia", Name: "Sepolia", ChainID: "0xaa36a7",
			Endpoints:      []string{"https://ethereum-sepolia-rpc.publicnode.com"},
			Explorer:       "https://sepolia.etherscan.io",
			AccountTypes:   evmAccount,
			CoinType:       "60",
			MainAssetDenom: "ETH", Decimals: 18,
		},
		{
			Family: types.FamilyEVM, ID: "polygon", Name: "Polygon", ChainID: "0x89",
			Endpoints:      []string{"https://polygon-bor-rpc.publicnode.com", "https://polygon-rpc.com"},
			Explorer:       "https://polygonscan.com",
			AccountTypes:   evmAccount,
			CoinType:       "60",
			MainAssetDenom: "POL", Decimals: 18,
		},
		{
			Family: types.FamilyEVM, ID: "bsc", Name: "BNB Smart Chain", ChainID: "0x38",
			Endpoints:      []string{"https://bsc-rpc.publicnode.com"},
			Explorer:       "https://bscscan.com",
			AccountTypes:   evmAccount,
			CoinType:       "60",
			MainAssetDenom: "BNB", Decimals: 18,
		},

		// Cosmos
		{
			Family: types.FamilyCosmos, ID: "cosmoshub", Name: "Cosmos", ChainID: "cosmoshub-4",
			LCDEndpoints:  []string{"https://cosmos-rest.publicnode.com", "https://lcd-cosmoshub.blockapsis.com"},
			AccountTypes:  cosmosAccount,
			AccountPrefix: "cosmos", ValidatorPrefix: "cosmosvaloper", CoinType: "118",
			MainAssetDenom: "uatom", Decimals: 6, GasRate: []string{"0.005", "0.025", "0.05"},
			SupportsStaking: true,
		},
		{
			Family: types.FamilyCosmos, ID: "osmosis", Name: "Osmosis", ChainID: "osmosis-1",
			LCDEndpoints:  []string{"https://osmosis-rest.publicnode.com"},
			AccountTypes:  cosmosAccount,
			AccountPrefix: "osmo", ValidatorPrefix: "osmovaloper", CoinType: "118",
			MainAssetDenom: "uosmo", Decimals: 6, GasRate: []string{"0.0025", "0.025", "0.04"},
			SupportsStaking: true,
		},
		{
			Family: types.FamilyCosmos, ID: "coreum", Name: "Coreum", ChainID: "coreum-mainnet-1",
			LCDEndpoints: []string{"https://rest-coreum.ecostake.com"},
			AccountTypes: []types.AccountType{{HDPath: "m/44'/990'/0'/0/${index}", PubkeyStyle: types.PubkeySecp256k1, IsDefault: true}},
			AccountPrefix: "core", ValidatorPrefix: "corevaloper", CoinType: "990",
			MainAssetDenom: "ucore", Decimals: 6, GasRate: []string{"0.0625"},
			SupportsStaking: true, LockedFromSpendable: true,
		},
		{
			Family: types.FamilyCosmos, ID: "neutron", Name: "Neutron", ChainID: "neutron-1",
			LCDEndpoints:  []string{"https://neutron-rest.publicnode.com"},
			AccountTypes:  cosmosAccount,
			AccountPrefix: "neutron", ValidatorPrefix: "neutronvaloper", CoinType: "118",
			MainAssetDenom: "untrn", Decimals: 6, GasRate: []string{"0.0053"},
			SupportsStaking: true,
		},
		{
			Family: types.FamilyCosmos, ID: "evmos", Name: "Evmos", ChainID: "evmos_9001-2",
			LCDEndpoints:  []string{"https://evmos-rest.publicnode.com"},
			AccountTypes:  []types.AccountType{{HDPath: "m/44'/60'/0'/0/${index}", PubkeyStyle: types.PubkeyKeccak256, IsDefault: true}},
			AccountPrefix: "evmos", ValidatorPrefix: "evmosvaloper", CoinType: "60",
			MainAssetDenom: "aevmos", Decimals: 18, GasRate: []string{"25000000000"},
			SupportsStaking: true,
		},

		// Bitcoin
		{
			Family: types.FamilyBitcoin, ID: "bitcoin", Name: "Bitcoin", ChainID: "bitcoin", Network: "mainnet",
			MempoolURL:   "https://mempool.space/api",
			Explorer:     "https://mempool.space",
			AccountTypes: bitcoinAccount, CoinType: "0",
			MainAssetDenom: "sat", Decimals: 8,
		},
		{
			Family: types.FamilyBitcoin, ID: "bitcoin-signet", Name: "Bitcoin Signet", ChainID: "bitcoin-signet", Network: "signet",
			MempoolURL:   "https://mempool.space/signet/api",
			Explorer:     "https://mempool.space/signet",
			AccountTypes: signetAccount, CoinType: "1",
			MainAssetDenom: "sat", Decimals: 8,
		},

		// Sui
		{
			Family: types.FamilySui, ID: "sui", Name: "Sui", ChainID: "sui:mainnet", Network: "mainnet",
			Endpoints:    []string{"https://fullnode.mainnet.sui.io:443"},
			AccountTypes: suiAccount, CoinType: "784",
			MainAssetDenom: "0x2::sui::SUI", Decimals: 9, SupportsStaking: true,
		},
		{
			Family: types.FamilySui, ID: "sui-testnet", Name: "Sui Testnet", ChainID: "sui:testnet", Network: "testnet",
			Endpoints:    []string{"https://fullnode.testnet.sui.io:443"},
			AccountTypes: suiAccount, CoinType: "784",
			MainAssetDenom: "0x2::sui::SUI", Decimals: 9, SupportsStaking: true,
		},
		{
			Family: types.FamilySui, ID: "sui-devnet", Name: "Sui Devnet", ChainID: "sui:devnet", Network: "devnet",
			Endpoints:    []string{"https://fullnode.devnet.sui.io:443"},
			AccountTypes: suiAccount, CoinType: "784",
			MainAssetDenom: "0x2::sui::SUI", Decimals: 9,
		},

		// IOTA
		{
			Family: types.FamilyIOTA, ID: "iota", Name: "IOTA", ChainID: "iota:mainnet", Network: "mainnet",
			Endpoints:    []string{"https://api.mainnet.iota.cafe"},
			AccountTypes: iotaAccount, CoinType: "4218",
			MainAssetDenom: "0x2::iota::IOTA", Decimals: 9, SupportsStaking: true,
		},
		{
			Family: types.FamilyIOTA, ID: "iota-testnet", Name: "IOTA Testnet", ChainID: "iota:testnet", Network: "testnet",
			Endpoints:    []string{"https://api.testnet.iota.cafe"},
			AccountTypes: iotaAccount, CoinType: "4218",
			MainAssetDenom: "0x2::iota::IOTA", Decimals: 9, SupportsStaking: true,
		},

		// Aptos
		{
			Family: types.FamilyAptos, ID: "aptos", Name: "Aptos", ChainID: "1", Network: "mainnet",
			Endpoints:    []string{"https://fullnode.mainnet.aptoslabs.com", "https://aptos-mainnet.nodereal.io"},
			AccountTypes: aptosAccount, CoinType: "637",
			MainAssetDenom: "0x1::aptos_coin::AptosCoin", Decimals: 8,
		},
		{
			Family: types.FamilyAptos, ID: "aptos-testnet", Name: "Aptos Testnet", ChainID: "2", Network: "testnet",
			Endpoints:    []string{"https://fullnode.testnet.aptoslabs.com"},
			AccountTypes: aptosAccount, CoinType: "637",
			MainAssetDenom: "0x1::aptos_coin::AptosCoin", Decimals: 8,
		},
	}
}
