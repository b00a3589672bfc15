package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPipelineBusy is returned when a pipeline is already live for the session.
	ErrPipelineBusy = errors.New("a position pipeline is already running")

	// ErrSignerRejected is returned when the human signer declines an operation.
	ErrSignerRejected = errors.New("transaction rejected by user")

	// ErrInsufficientFunds is returned when the ledger lacks funds for gas or transfer.
	ErrInsufficientFunds = errors.New("insufficient funds for transaction")

	// ErrStaleReference is returned when the price cache refuses the reference price.
	ErrStaleReference = errors.New("stale or invalid reference price")

	// ErrPriceUnavailable is returned by price providers with no usable price.
	ErrPriceUnavailable = errors.New("reference price not available")

	// ErrTimedOut is raised by the watchdog, never by a step.
	ErrTimedOut = errors.New("pipeline timed out")

	// ErrUnknownMarket is returned for markets missing from configuration.
	ErrUnknownMarket = errors.New("unknown market")
)

// ErrorKind is the closed taxonomy every pipeline failure maps to.
type ErrorKind string

const (
	KindValidationFailed  ErrorKind = "validation_failed"
	KindSignerRejected    ErrorKind = "signer_rejected"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindReverted          ErrorKind = "reverted"
	KindStaleReference    ErrorKind = "stale_reference"
	KindTimedOut          ErrorKind = "timed_out"
	KindUnknown           ErrorKind = "unknown"
)

// ValidationError reports a failed precondition of RequestOpen.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RevertError is a ledger-side rejection of an operation.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// PipelineError is the classified failure stored on a step and its pipeline.
type PipelineError struct {
	Step    Step
	Kind    ErrorKind
	Message string
	cause   error
}

// NewPipelineError classifies err at the point of failure.
func NewPipelineError(step Step, err error) *PipelineError {
	return &PipelineError{
		Step:    step,
		Kind:    Classify(err),
		Message: Describe(err),
		cause:   err,
	}
}

func (e *PipelineError) Error() string {
	var sb strings.Builder
	if e.Step != StepNone {
		sb.WriteString(string(e.Step))
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

func (e *PipelineError) Unwrap() error { return e.cause }
