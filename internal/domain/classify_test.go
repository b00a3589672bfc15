package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codeErr struct {
	code int
	msg  string
}

func (e codeErr) Error() string  { return e.msg }
func (e codeErr) ErrorCode() int { return e.code }

type dataErr struct {
	msg  string
	data interface{}
}

func (e dataErr) Error() string          { return e.msg }
func (e dataErr) ErrorData() interface{} { return e.data }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"validation", &ValidationError{Field: "collateral", Reason: "must be positive"}, KindValidationFailed},
		{"busy", ErrPipelineBusy, KindValidationFailed},
		{"no price", fmt.Errorf("coingecko: %w", ErrPriceUnavailable), KindValidationFailed},
		{"signer sentinel", fmt.Errorf("onchain.Submit: %w", ErrSignerRejected), KindSignerRejected},
		{"code 4001", codeErr{code: 4001, msg: "request refused"}, KindSignerRejected},
		{"user rejected text", errors.New("User rejected the request."), KindSignerRejected},
		{"funds text", errors.New("insufficient funds for gas * price + value"), KindInsufficientFunds},
		{"funds sentinel", ErrInsufficientFunds, KindInsufficientFunds},
		{"stale", ErrStaleReference, KindStaleReference},
		{"revert type", &RevertError{Reason: "market expired"}, KindReverted},
		{"revert text", errors.New("execution reverted: Leverage too high"), KindReverted},
		{"gas estimation", errors.New("gas required exceeds allowance (3000000)"), KindReverted},
		{"timeout", ErrTimedOut, KindTimedOut},
		{"already classified", NewPipelineError(StepOpenPosition, ErrInsufficientFunds), KindInsufficientFunds},
		{"anything else", context.Canceled, KindUnknown},
		{"plain", errors.New("connection refused"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDescribe_RevertReasonVerbatim(t *testing.T) {
	assert.Equal(t, "Leverage too high", Describe(errors.New("execution reverted: Leverage too high")))
	assert.Equal(t, "'Not enough margin'", Describe(errors.New("VM Exception: reverted with reason string 'Not enough margin'")))
	assert.Equal(t, "market expired", Describe(&RevertError{Reason: "market expired"}))
	assert.Equal(t, "transaction reverted", Describe(&RevertError{}))
	assert.Equal(t, "Gas estimation failed. Please try again.", Describe(errors.New("failed to estimate gas")))
}

func TestDescribe_DataErrorReason(t *testing.T) {
	err := dataErr{msg: "execution reverted", data: "price too old"}
	assert.Equal(t, KindReverted, Classify(err))
	assert.Equal(t, "price too old", Describe(err))
}

func TestDescribe_KindMessages(t *testing.T) {
	assert.Equal(t, "Transaction rejected by user", Describe(ErrSignerRejected))
	assert.Equal(t, "Insufficient funds for transaction", Describe(errors.New("insufficient funds")))
	assert.Equal(t, "unknown error", Describe(nil))
	assert.Equal(t, "connection refused", Describe(errors.New("connection refused")))
}

func TestPipelineError_WrapsCause(t *testing.T) {
	pe := NewPipelineError(StepPriceUpdate, ErrSignerRejected)
	assert.True(t, errors.Is(pe, ErrSignerRejected))
	assert.Equal(t, "price_update: signer_rejected: Transaction rejected by user", pe.Error())
}
