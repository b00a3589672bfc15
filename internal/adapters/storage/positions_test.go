package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/internal/domain"
)

func makePosition(id string, openedAt time.Time) domain.Position {
	return domain.NewPosition(id, "0xuser", "BTC/USD", domain.PositionRequest{
		Market:         "0xf8c4ea0762fa9f8c87aea45bc37b1f3f2e66bdaa",
		Side:           domain.SideShort,
		Collateral:     dec("250"),
		Leverage:       4,
		ReferencePrice: dec("3100.25"),
	}, "0xtx"+id, openedAt)
}

func TestSQLiteStorage_PositionsRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	withLedgerID := makePosition("p2", now)
	withLedgerID.LedgerID = "42"
	require.NoError(t, db.SavePosition(ctx, withLedgerID))
	require.NoError(t, db.SavePosition(ctx, makePosition("p1", now.Add(-time.Hour))))

	got, err := db.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordenadas por apertura
	assert.Equal(t, "p1", got[0].ID)
	p := got[1]
	assert.Equal(t, domain.SideShort, p.Side)
	assert.True(t, dec("1000").Equal(p.Size))
	assert.True(t, dec("3100.25").Equal(p.EntryPrice))
	assert.True(t, dec("3875.3125").Equal(p.LiquidationPrice), "got %s", p.LiquidationPrice)
	assert.True(t, dec("5").Equal(p.Fee))
	assert.Equal(t, "0xtxp2", p.TxHash)
	assert.Equal(t, "42", p.LedgerID)
	assert.Empty(t, got[0].LedgerID)
	assert.True(t, p.OpenedAt.Equal(now))
}

func TestSQLiteStorage_SavePositionUpserts(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	p := makePosition("p", time.Now().UTC())
	require.NoError(t, db.SavePosition(ctx, p))
	require.NoError(t, db.SavePosition(ctx, p.MarkToMarket(dec("3000"))))

	got, err := db.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, dec("3000").Equal(got[0].CurrentPrice))
	assert.True(t, got[0].PnL.IsPositive(), "short gains when price drops")
}

func TestSQLiteStorage_DeletePosition(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.SavePosition(ctx, makePosition("p", time.Now().UTC())))
	require.NoError(t, db.DeletePosition(ctx, "p"))
	require.NoError(t, db.DeletePosition(ctx, "missing"))

	got, err := db.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
