package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, trimmed to the methods the ledger calls.
var (
	priceAdapterABI abi.ABI
	vaultABI        abi.ABI
	erc20ABI        abi.ABI
	marketABI       abi.ABI
	positionsABI    abi.ABI
)

func init() {
	priceAdapterABI = mustParseABI("price adapter", `[
		{
			"name": "submitPriceById",
			"type": "function",
			"inputs": [
				{"name": "priceId", "type": "bytes32"},
				{"name": "price", "type": "uint256"}
			],
			"outputs": []
		}
	]`)

	vaultABI = mustParseABI("vault", `[
		{
			"name": "getCollateralBalance",
			"type": "function",
			"inputs": [
				{"name": "user", "type": "address"},
				{"name": "token", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "lockedCollateral",
			"type": "function",
			"inputs": [{"name": "user", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`)

	erc20ABI = mustParseABI("erc20", `[
		{
			"name": "approve",
			"type": "function",
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "allowance",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`)

	marketABI = mustParseABI("market", `[
		{
			"name": "openPosition",
			"type": "function",
			"inputs": [
				{"name": "direction", "type": "uint8"},
				{"name": "collateralUSD", "type": "uint256"},
				{"name": "leverage", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "closePosition",
			"type": "function",
			"inputs": [{"name": "positionId", "type": "uint256"}],
			"outputs": [{"name": "pnl", "type": "int256"}]
		},
		{
			"name": "expiryTimestamp",
			"type": "function",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`)

	positionsABI = mustParseABI("position manager", `[
		{
			"name": "getUserPositionsInMarket",
			"type": "function",
			"inputs": [
				{"name": "user", "type": "address"},
				{"name": "market", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256[]"}]
		}
	]`)
}

func mustParseABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(name + " abi parse: " + err.Error())
	}
	return parsed
}
