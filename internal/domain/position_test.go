package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	s, err := ParseSide("UP")
	require.NoError(t, err)
	assert.Equal(t, SideLong, s)
	assert.Equal(t, uint8(0), s.Direction())

	s, err = ParseSide("short")
	require.NoError(t, err)
	assert.Equal(t, uint8(1), s.Direction())

	_, err = ParseSide("sideways")
	assert.Error(t, err)
}

func TestLiquidationPrice(t *testing.T) {
	assert.True(t, dec("81900").Equal(LiquidationPrice(dec("91000"), SideLong, 10)))
	assert.True(t, dec("100100").Equal(LiquidationPrice(dec("91000"), SideShort, 10)))
	assert.True(t, LiquidationPrice(dec("0"), SideLong, 10).IsZero())
}

func TestNewPosition(t *testing.T) {
	req := PositionRequest{
		Market:         "0xbtc",
		Side:           SideLong,
		Collateral:     dec("100"),
		Leverage:       10,
		ReferencePrice: dec("91000"),
	}
	p := NewPosition("id-1", "0xuser", "BTC/USD", req, "0xhash", time.Now())

	assert.True(t, dec("1000").Equal(p.Size))
	assert.True(t, dec("5").Equal(p.Fee))
	assert.True(t, dec("81900").Equal(p.LiquidationPrice))
	assert.Equal(t, PositionOpen, p.Status)
}

func TestPosition_MarkToMarket(t *testing.T) {
	base := PositionRequest{Market: "0xbtc", Collateral: dec("100"), Leverage: 10, ReferencePrice: dec("100")}

	long := NewPosition("l", "u", "BTC/USD", PositionRequest{
		Market: base.Market, Side: SideLong, Collateral: base.Collateral, Leverage: base.Leverage, ReferencePrice: base.ReferencePrice,
	}, "", time.Now()).MarkToMarket(dec("110"))
	assert.True(t, dec("100").Equal(long.PnL), "got %s", long.PnL)
	assert.True(t, dec("100").Equal(long.PnLPercent))

	short := NewPosition("s", "u", "BTC/USD", PositionRequest{
		Market: base.Market, Side: SideShort, Collateral: base.Collateral, Leverage: base.Leverage, ReferencePrice: base.ReferencePrice,
	}, "", time.Now()).MarkToMarket(dec("110"))
	assert.True(t, dec("-100").Equal(short.PnL), "got %s", short.PnL)
}

func TestMarket_IsExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, Market{}.IsExpired(now), "unknown expiry never expires")
	assert.True(t, Market{Expiry: now.Add(-time.Second)}.IsExpired(now))
	assert.False(t, Market{Expiry: now.Add(time.Hour)}.IsExpired(now))
}
