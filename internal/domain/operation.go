package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OperationKind identifies what a ledger operation does.
type OperationKind string

const (
	OpPriceUpdate  OperationKind = "price_update"
	OpApprove      OperationKind = "approve"
	OpOpenPosition OperationKind = "open_position"

	// OpClosePosition closes a journaled position; it never runs inside a pipeline.
	OpClosePosition OperationKind = "close_position"
)

// OperationDescriptor is everything a ledger adapter needs to build, show to
// the signer and submit one operation. Amounts are in human units; adapters
// scale them to ledger precision.
type OperationDescriptor struct {
	Kind        OperationKind
	PipelineID  string
	Market      string
	PriceFeedID string          // OpPriceUpdate
	Price       decimal.Decimal // OpPriceUpdate; OpOpenPosition carries the entry reference
	Amount      decimal.Decimal // OpApprove: allowance; OpOpenPosition, OpClosePosition: collateral
	Side        Side            // OpOpenPosition
	Leverage    int64           // OpOpenPosition
	PositionID  string          // OpClosePosition: id of the position on the ledger
}

// Summary is the one-line description shown to the human signer.
func (d OperationDescriptor) Summary() string {
	switch d.Kind {
	case OpPriceUpdate:
		return fmt.Sprintf("publish reference price %s to the price cache (market %s)", d.Price.String(), d.Market)
	case OpApprove:
		return fmt.Sprintf("approve the collateral vault to spend %s", d.Amount.String())
	case OpOpenPosition:
		return fmt.Sprintf("open %s position: collateral %s, leverage %dx (market %s)",
			d.Side, d.Amount.String(), d.Leverage, d.Market)
	case OpClosePosition:
		return fmt.Sprintf("close position #%s: collateral %s (market %s)", d.PositionID, d.Amount.String(), d.Market)
	}
	return string(d.Kind)
}

// OperationHandle identifies a submitted operation (a tx hash on-chain).
type OperationHandle string

// Outcome is how a submitted operation ended.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeReverted
	OutcomeRejectedBySigner
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	case OutcomeRejectedBySigner:
		return "rejected"
	}
	return "unknown"
}

// Resolution is the final state of a submitted operation.
type Resolution struct {
	Outcome Outcome
	Reason  string // revert reason when known
}

// Err converts a non-confirmed resolution into a classifiable error.
func (r Resolution) Err() error {
	switch r.Outcome {
	case OutcomeConfirmed:
		return nil
	case OutcomeRejectedBySigner:
		return ErrSignerRejected
	}
	return &RevertError{Reason: r.Reason}
}
