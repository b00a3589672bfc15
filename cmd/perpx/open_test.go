package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/internal/adapters/storage"
	"github.com/alejandrodnm/perpx/internal/application/positions"
	"github.com/alejandrodnm/perpx/internal/domain"
)

func TestParseRequest(t *testing.T) {
	req, err := parseRequest("ETH/USD", "down", "25.5", 5, "3100")
	require.NoError(t, err)
	assert.Equal(t, "ETH/USD", req.Market)
	assert.Equal(t, domain.SideShort, req.Side)
	assert.Equal(t, "25.5", req.Collateral.String())
	assert.Equal(t, int64(5), req.Leverage)
	assert.Equal(t, "3100", req.ReferencePrice.String())

	req, err = parseRequest("BTC/USD", "long", "100", 10, "")
	require.NoError(t, err)
	assert.True(t, req.ReferencePrice.IsZero())
}

func TestParseRequest_Errors(t *testing.T) {
	cases := map[string][5]string{
		"side":       {"BTC/USD", "sideways", "100", "", ""},
		"missing":    {"BTC/USD", "long", "", "", ""},
		"collateral": {"BTC/USD", "long", "abc", "", ""},
		"price":      {"BTC/USD", "long", "100", "", "x"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseRequest(c[0], c[1], c[2], 1, c[4])
			assert.Error(t, err)
		})
	}
}

func TestWatchBook_UnsubscribeStopsNotifications(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()
	book := positions.New(store, nil)

	refreshed, unsubscribe := watchBook(book)
	require.NoError(t, book.Refresh(context.Background()))
	select {
	case <-refreshed:
	default:
		t.Fatal("expected a notification after Refresh")
	}

	unsubscribe()
	require.NoError(t, book.Refresh(context.Background()))
	select {
	case <-refreshed:
		t.Fatal("released subscription still notified")
	default:
	}
}
