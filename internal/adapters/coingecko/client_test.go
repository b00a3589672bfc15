package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/internal/domain"
)

type oneMarket struct{}

func (oneMarket) IsMarketExpired(context.Context, string) (bool, error) { return false, nil }

func (oneMarket) Market(addr string) (domain.Market, error) {
	if addr != "0xbtc" {
		return domain.Market{}, domain.ErrUnknownMarket
	}
	return domain.Market{Name: "BTC/USD", Address: "0xbtc", CoinGeckoID: "bitcoin"}, nil
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, 1000)
	c.retryWait = time.Millisecond
	return c
}

func TestSimplePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "true", r.URL.Query().Get("include_24hr_change"))
		w.Write([]byte(`{"bitcoin":{"usd":91000.12,"usd_24h_change":-1.5},"ethereum":{"usd":3100,"usd_24h_change":0.25}}`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv).SimplePrice(context.Background(), "bitcoin", "ethereum")
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.True(t, decimal.RequireFromString("91000.12").Equal(quotes["bitcoin"].USD))
	assert.True(t, decimal.RequireFromString("-1.5").Equal(quotes["bitcoin"].Change24h))
	assert.False(t, quotes["ethereum"].FetchedAt.IsZero())
}

func TestSimplePrice_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"bitcoin":{"usd":1}}`))
	}))
	defer srv.Close()

	quotes, err := newTestClient(srv).SimplePrice(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, quotes["bitcoin"].USD.Equal(decimal.NewFromInt(1)))
}

func TestSimplePrice_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad ids", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SimplePrice(context.Background(), "bitcoin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriceProvider_CachesAndResolvesIDs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"bitcoin":{"usd":91000}}`))
	}))
	defer srv.Close()

	p := NewPriceProvider(newTestClient(srv), oneMarket{}, time.Minute)

	price, err := p.ReferencePrice(context.Background(), "0xbtc")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(91000).Equal(price))

	// Por nombre también resuelve, y sale de la cache
	price, err = p.ReferencePrice(context.Background(), "btc/usd")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(91000).Equal(price))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPriceProvider_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":0}}`))
	}))
	defer srv.Close()

	p := NewPriceProvider(newTestClient(srv), oneMarket{}, time.Minute)

	_, err := p.ReferencePrice(context.Background(), "0xbtc")
	assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))

	_, err = p.ReferencePrice(context.Background(), "DOGE/USD")
	assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))
}
