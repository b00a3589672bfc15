package opener

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/perpx/internal/domain"
	"github.com/alejandrodnm/perpx/internal/ports"
)

// runInput is what every step of one run reads. It is fixed at validation time.
type runInput struct {
	pipelineID string
	request    domain.PositionRequest
	market     domain.Market
}

// stepDef describes one pipeline step.
//
// Precondition: every earlier step is Confirmed or Skipped (checked by the
// coordinator before plan runs). Action: the operation plan returns. Postcondition:
// the operation is Confirmed on the ledger, which is what the next step reads.
type stepDef struct {
	step domain.Step

	// plan builds the operation to submit. skip reports that the postcondition
	// already holds and nothing has to be signed.
	plan func(ctx context.Context, in runInput) (op domain.OperationDescriptor, skip bool, err error)

	// refine turns a raw failure into the step-specific error before classification.
	refine func(err error) error
}

// newSteps returns the three steps in execution order.
func newSteps(account ports.AccountReader) []stepDef {
	return []stepDef{
		{
			step:   domain.StepPriceUpdate,
			plan:   planPriceUpdate,
			refine: refinePriceUpdate,
		},
		{
			step: domain.StepEnsureAllowance,
			plan: func(ctx context.Context, in runInput) (domain.OperationDescriptor, bool, error) {
				return planEnsureAllowance(ctx, account, in)
			},
			refine: identity,
		},
		{
			step:   domain.StepOpenPosition,
			plan:   planOpenPosition,
			refine: identity,
		},
	}
}

// planPriceUpdate publishes the reference price to the market's price cache.
// The ledger derives entry price and liquidation threshold from that cache, so
// this always runs first.
func planPriceUpdate(_ context.Context, in runInput) (domain.OperationDescriptor, bool, error) {
	return domain.OperationDescriptor{
		Kind:        domain.OpPriceUpdate,
		PipelineID:  in.pipelineID,
		Market:      in.request.Market,
		PriceFeedID: in.market.PriceFeedID,
		Price:       in.request.ReferencePrice,
	}, false, nil
}

// refinePriceUpdate reports any ledger rejection of the price as a stale reference.
func refinePriceUpdate(err error) error {
	if domain.Classify(err) == domain.KindReverted {
		return fmt.Errorf("%w: %w", domain.ErrStaleReference, err)
	}
	return err
}

// planEnsureAllowance skips when the vault may already pull the collateral,
// otherwise requests ComputeApprovalAmount(collateral).
func planEnsureAllowance(ctx context.Context, account ports.AccountReader, in runInput) (domain.OperationDescriptor, bool, error) {
	current, err := account.CurrentAllowance(ctx)
	if err != nil {
		return domain.OperationDescriptor{}, false, fmt.Errorf("read allowance: %w", err)
	}

	decision := domain.DecideAllowance(in.request.Collateral, current)
	if decision.Skip {
		return domain.OperationDescriptor{}, true, nil
	}
	return domain.OperationDescriptor{
		Kind:       domain.OpApprove,
		PipelineID: in.pipelineID,
		Market:     in.request.Market,
		Amount:     decision.ApproveAmount,
	}, false, nil
}

func planOpenPosition(_ context.Context, in runInput) (domain.OperationDescriptor, bool, error) {
	return domain.OperationDescriptor{
		Kind:       domain.OpOpenPosition,
		PipelineID: in.pipelineID,
		Market:     in.request.Market,
		Price:      in.request.ReferencePrice,
		Amount:     in.request.Collateral,
		Side:       in.request.Side,
		Leverage:   in.request.Leverage,
	}, false, nil
}

func identity(err error) error { return err }

// precondition reports whether step i may start: every earlier step must be
// Confirmed or Skipped.
func precondition(p *domain.Pipeline, i int) bool {
	for _, r := range p.Steps[:i] {
		if r.Status != domain.StepConfirmed && r.Status != domain.StepSkipped {
			return false
		}
	}
	return true
}
