package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the predicted direction of an outcome position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide accepts long/short (and up/down, as the dashboard labels them).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "up":
		return SideLong, nil
	case "short", "down":
		return SideShort, nil
	}
	return "", fmt.Errorf("domain.ParseSide: unknown side %q", s)
}

// Direction is the on-chain encoding: 0 = LONG, 1 = SHORT.
func (s Side) Direction() uint8 {
	if s == SideShort {
		return 1
	}
	return 0
}

// TradingFeeRate is charged on position size (0.5%).
var TradingFeeRate = decimal.RequireFromString("0.005")

// PositionRequest is the immutable input of one pipeline run.
type PositionRequest struct {
	Market         string // market contract address
	Side           Side
	Collateral     decimal.Decimal // collateral units (USDC)
	Leverage       int64
	ReferencePrice decimal.Decimal // USD; zero means "ask the price provider"
}

// WithReferencePrice returns a copy of the request carrying price.
func (r PositionRequest) WithReferencePrice(price decimal.Decimal) PositionRequest {
	r.ReferencePrice = price
	return r
}

// PositionSize is collateral × leverage.
func (r PositionRequest) PositionSize() decimal.Decimal {
	return r.Collateral.Mul(decimal.NewFromInt(r.Leverage))
}

// LiquidationPrice is the price at which the position loses its collateral:
// entry × (1 − 1/leverage) for longs, entry × (1 + 1/leverage) for shorts.
func LiquidationPrice(entry decimal.Decimal, side Side, leverage int64) decimal.Decimal {
	if entry.Sign() <= 0 || leverage <= 0 {
		return decimal.Zero
	}
	step := decimal.NewFromInt(1).Div(decimal.NewFromInt(leverage))
	if side == SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(step))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(step))
}

// PositionStatus mirrors the contract status codes.
type PositionStatus int

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

// Position is an opened position as journaled locally after confirmation.
type Position struct {
	ID               string
	User             string
	Market           string
	MarketName       string
	Side             Side
	Collateral       decimal.Decimal
	Leverage         int64
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	CurrentPrice     decimal.Decimal
	LiquidationPrice decimal.Decimal
	Fee              decimal.Decimal
	PnL              decimal.Decimal
	PnLPercent       decimal.Decimal
	Status           PositionStatus
	TxHash           string
	LedgerID         string // position id on the ledger; empty when it could not be read
	OpenedAt         time.Time
}

// NewPosition builds the journal entry for a confirmed open request.
func NewPosition(id, user, marketName string, req PositionRequest, txHash string, openedAt time.Time) Position {
	size := req.PositionSize()
	return Position{
		ID:               id,
		User:             user,
		Market:           req.Market,
		MarketName:       marketName,
		Side:             req.Side,
		Collateral:       req.Collateral,
		Leverage:         req.Leverage,
		Size:             size,
		EntryPrice:       req.ReferencePrice,
		CurrentPrice:     req.ReferencePrice,
		LiquidationPrice: LiquidationPrice(req.ReferencePrice, req.Side, req.Leverage),
		Fee:              size.Mul(TradingFeeRate),
		PnL:              decimal.Zero,
		PnLPercent:       decimal.Zero,
		Status:           PositionOpen,
		TxHash:           txHash,
		OpenedAt:         openedAt.UTC(),
	}
}

// MarkToMarket returns the position re-priced at current.
// Long: profit when price goes up. Short: profit when price goes down.
func (p Position) MarkToMarket(current decimal.Decimal) Position {
	p.CurrentPrice = current
	if p.EntryPrice.Sign() <= 0 {
		return p
	}
	change := current.Sub(p.EntryPrice)
	if p.Side == SideShort {
		change = change.Neg()
	}
	p.PnL = change.Div(p.EntryPrice).Mul(p.Size)
	if p.Collateral.Sign() > 0 {
		p.PnLPercent = p.PnL.Div(p.Collateral).Mul(decimal.NewFromInt(100))
	}
	return p
}
