package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// AccountReader reads the caller's collateral state. Reads are idempotent.
type AccountReader interface {
	// AvailableBalance is the free collateral usable for a new position.
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)

	// CurrentAllowance is what the collateral vault may currently pull from the wallet.
	CurrentAllowance(ctx context.Context) (decimal.Decimal, error)
}
