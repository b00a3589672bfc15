package onchain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
)

const (
	// Prices and collateral inside the vault use 18 decimals.
	vaultDecimals = 18
	// USDC on Arbitrum uses 6.
	defaultTokenDecimals = 6
)

// call is one ledger transaction before nonce, gas and signature.
type call struct {
	to       common.Address
	data     []byte
	gasLimit uint64
}

// buildCall encodes op for the contracts in cfg.
func buildCall(cfg Config, op domain.OperationDescriptor) (call, error) {
	switch op.Kind {
	case domain.OpPriceUpdate:
		feed, err := hexToBytes32(op.PriceFeedID)
		if err != nil {
			return call{}, fmt.Errorf("price feed id: %w", err)
		}
		data, err := priceAdapterABI.Pack("submitPriceById", feed, toUnits(op.Price, vaultDecimals))
		if err != nil {
			return call{}, fmt.Errorf("pack submitPriceById: %w", err)
		}
		return call{to: cfg.PriceAdapter, data: data, gasLimit: cfg.Gas.PriceUpdate}, nil

	case domain.OpApprove:
		data, err := erc20ABI.Pack("approve", cfg.Vault, toUnits(op.Amount, cfg.tokenDecimals()))
		if err != nil {
			return call{}, fmt.Errorf("pack approve: %w", err)
		}
		return call{to: cfg.CollateralToken, data: data, gasLimit: cfg.Gas.Approve}, nil

	case domain.OpOpenPosition:
		if !common.IsHexAddress(op.Market) {
			return call{}, fmt.Errorf("market %q is not an address", op.Market)
		}
		data, err := marketABI.Pack("openPosition",
			op.Side.Direction(),
			toUnits(op.Amount, vaultDecimals),
			big.NewInt(op.Leverage),
		)
		if err != nil {
			return call{}, fmt.Errorf("pack openPosition: %w", err)
		}
		// Opened on the market contract, which locks the collateral in the vault.
		return call{to: common.HexToAddress(op.Market), data: data, gasLimit: cfg.Gas.OpenPosition}, nil

	case domain.OpClosePosition:
		if !common.IsHexAddress(op.Market) {
			return call{}, fmt.Errorf("market %q is not an address", op.Market)
		}
		id, ok := new(big.Int).SetString(op.PositionID, 10)
		if !ok || id.Sign() < 0 {
			return call{}, fmt.Errorf("position id %q is not a ledger id", op.PositionID)
		}
		data, err := marketABI.Pack("closePosition", id)
		if err != nil {
			return call{}, fmt.Errorf("pack closePosition: %w", err)
		}
		return call{to: common.HexToAddress(op.Market), data: data, gasLimit: cfg.Gas.ClosePosition}, nil
	}
	return call{}, fmt.Errorf("unsupported operation %q", op.Kind)
}

// toUnits scales a human amount to integer ledger units, truncating extra digits.
func toUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// fromUnits is the inverse of toUnits.
func fromUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
