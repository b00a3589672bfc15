package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

const defaultCacheTTL = 30 * time.Second

// coinIDs maps a market name to its CoinGecko id when the market config has none.
var coinIDs = map[string]string{
	"BTC/USD": "bitcoin",
	"ETH/USD": "ethereum",
	"ARB/USD": "arbitrum",
}

// Quote is one CoinGecko USD price with its 24h change in percent.
type Quote struct {
	USD       decimal.Decimal `json:"usd"`
	Change24h decimal.Decimal `json:"usd_24h_change"`
	FetchedAt time.Time       `json:"-"`
}

// SimplePrice fetches USD quotes for the given CoinGecko ids.
func (c *Client) SimplePrice(ctx context.Context, ids ...string) (map[string]Quote, error) {
	if len(ids) == 0 {
		return map[string]Quote{}, nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	var raw map[string]Quote
	if err := c.get(ctx, c.base+"/simple/price?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("coingecko.SimplePrice: %w", err)
	}
	now := time.Now()
	for id, quote := range raw {
		quote.FetchedAt = now
		raw[id] = quote
	}
	return raw, nil
}

// PriceProvider implements ports.PriceProvider on top of Client with a short cache.
type PriceProvider struct {
	client  *Client
	markets ports.MarketInfo
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]Quote // coingecko id → last quote
}

// NewPriceProvider creates a PriceProvider. ttl <= 0 uses 30s.
func NewPriceProvider(client *Client, markets ports.MarketInfo, ttl time.Duration) *PriceProvider {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &PriceProvider{
		client:  client,
		markets: markets,
		ttl:     ttl,
		cache:   make(map[string]Quote),
	}
}

// ReferencePrice returns the USD price of market. It returns
// domain.ErrPriceUnavailable when the API has no positive price for it.
func (p *PriceProvider) ReferencePrice(ctx context.Context, market string) (decimal.Decimal, error) {
	quote, err := p.Quote(ctx, market)
	if err != nil {
		return decimal.Zero, err
	}
	return quote.USD, nil
}

// Quote returns the full quote of market, served from cache while fresh.
func (p *PriceProvider) Quote(ctx context.Context, market string) (Quote, error) {
	id, err := p.coinID(market)
	if err != nil {
		return Quote{}, err
	}

	p.mu.Lock()
	cached, ok := p.cache[id]
	p.mu.Unlock()
	if ok && time.Since(cached.FetchedAt) < p.ttl {
		return cached, nil
	}

	quotes, err := p.client.SimplePrice(ctx, id)
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko.Quote: %s: %w: %w", market, domain.ErrPriceUnavailable, err)
	}
	quote, ok := quotes[id]
	if !ok || !quote.USD.IsPositive() {
		return Quote{}, fmt.Errorf("coingecko.Quote: %s: %w", market, domain.ErrPriceUnavailable)
	}

	p.mu.Lock()
	p.cache[id] = quote
	p.mu.Unlock()
	return quote, nil
}

func (p *PriceProvider) coinID(market string) (string, error) {
	if p.markets != nil {
		if m, err := p.markets.Market(market); err == nil {
			if m.CoinGeckoID != "" {
				return m.CoinGeckoID, nil
			}
			if id, ok := coinIDs[m.Name]; ok {
				return id, nil
			}
		}
	}
	if id, ok := coinIDs[strings.ToUpper(market)]; ok {
		return id, nil
	}
	if id, ok := coinIDs[domain.MarketNameFor(market)]; ok {
		return id, nil
	}
	return "", fmt.Errorf("coingecko: %s: %w", market, domain.ErrPriceUnavailable)
}
