package domain

import "github.com/shopspring/decimal"

var (
	// ApprovalBufferThreshold is the collateral size from which approvals get a buffer.
	ApprovalBufferThreshold = decimal.NewFromInt(10)
	approvalBuffer          = decimal.RequireFromString("1.1")
)

// ComputeApprovalAmount returns the allowance to request for required collateral.
// From 10 units up the request carries a 10% buffer, floored to whole units.
// Smaller amounts are approved exactly.
func ComputeApprovalAmount(required decimal.Decimal) decimal.Decimal {
	if required.GreaterThanOrEqual(ApprovalBufferThreshold) {
		return required.Mul(approvalBuffer).Floor()
	}
	return required
}

// AllowanceDecision is derived per run, never stored.
type AllowanceDecision struct {
	Skip          bool
	Required      decimal.Decimal
	Current       decimal.Decimal
	ApproveAmount decimal.Decimal // zero when Skip
}

// DecideAllowance skips the approval when current already covers required.
func DecideAllowance(required, current decimal.Decimal) AllowanceDecision {
	d := AllowanceDecision{Required: required, Current: current}
	if current.GreaterThanOrEqual(required) {
		d.Skip = true
		return d
	}
	d.ApproveAmount = ComputeApprovalAmount(required)
	return d
}
