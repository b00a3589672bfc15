package domain

import (
	"strings"
	"time"
)

// Market is an outcome market the user can open positions on.
type Market struct {
	Name        string // "BTC/USD"
	Address     string // OutcomeMarket contract
	PriceFeedID string // bytes32 feed id used by the price adapter
	CoinGeckoID string
	Expiry      time.Time // zero when unknown
}

// IsExpired reports whether the market is past its expiry at now.
func (m Market) IsExpired(now time.Time) bool {
	return !m.Expiry.IsZero() && !now.Before(m.Expiry)
}

// MarketNameFor guesses a display name from an address or slug, the way the
// dashboard did when only the address was known.
func MarketNameFor(addrOrSlug string) string {
	s := strings.ToLower(addrOrSlug)
	switch {
	case strings.Contains(s, "btc"):
		return "BTC/USD"
	case strings.Contains(s, "eth"):
		return "ETH/USD"
	case strings.Contains(s, "arb"):
		return "ARB/USD"
	}
	return "Unknown"
}
