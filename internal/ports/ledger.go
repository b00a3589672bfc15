package ports

import (
	"context"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// Ledger submits signed operations to the external ledger.
type Ledger interface {
	// Submit asks the human signer to authorize the operation and sends it.
	// It blocks while the signer decides; a refusal returns domain.ErrSignerRejected.
	// The returned handle identifies the operation until it resolves.
	Submit(ctx context.Context, op domain.OperationDescriptor) (domain.OperationHandle, error)

	// AwaitConfirmation blocks until the operation is confirmed, reverted or
	// dropped by the signer. Cancelling ctx stops waiting; it does not retract
	// the operation.
	AwaitConfirmation(ctx context.Context, handle domain.OperationHandle) (domain.Resolution, error)
}

// Approver is the human-controlled signer in front of a Ledger.
type Approver interface {
	// Authorize returns true when the operation may be signed.
	Authorize(ctx context.Context, op domain.OperationDescriptor) (bool, error)
}
