package ports

import (
	"context"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceProvider supplies the current reference price of a market.
type PriceProvider interface {
	// ReferencePrice returns domain.ErrPriceUnavailable when no positive price is known.
	ReferencePrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// MarketInfo answers market metadata questions.
type MarketInfo interface {
	IsMarketExpired(ctx context.Context, market string) (bool, error)

	// Market returns the configured market, or domain.ErrUnknownMarket.
	Market(address string) (domain.Market, error)
}
