package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// userRejectedCode is the EIP-1193 "user rejected request" error code.
const userRejectedCode = 4001

// rpcCodeError matches go-ethereum's rpc.Error without importing the rpc package.
type rpcCodeError interface {
	ErrorCode() int
}

// rpcDataError matches go-ethereum's rpc.DataError.
type rpcDataError interface {
	ErrorData() interface{}
}

var revertPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)reverted with reason string\s+(.+)`),
	regexp.MustCompile(`(?i)execution reverted:\s*(.+)`),
	regexp.MustCompile(`(?i)revert\s+(.+)`),
}

// Classify maps any raw failure to exactly one ErrorKind. It never fails:
// anything it does not recognise is KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) ||
		errors.Is(err, ErrPipelineBusy) ||
		errors.Is(err, ErrPriceUnavailable) ||
		errors.Is(err, ErrUnknownMarket) {
		return KindValidationFailed
	}
	if errors.Is(err, ErrTimedOut) {
		return KindTimedOut
	}
	if isSignerRejection(err) {
		return KindSignerRejected
	}

	msg := strings.ToLower(err.Error())
	if errors.Is(err, ErrInsufficientFunds) || strings.Contains(msg, "insufficient funds") {
		return KindInsufficientFunds
	}
	if errors.Is(err, ErrStaleReference) {
		return KindStaleReference
	}
	var re *RevertError
	if errors.As(err, &re) || strings.Contains(msg, "revert") || isGasEstimation(msg) {
		return KindReverted
	}
	return KindUnknown
}

// Describe returns the message shown to the user for err.
func Describe(err error) string {
	if err == nil {
		return "unknown error"
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return fmt.Sprintf("%s: %s", ve.Field, ve.Reason)
	}

	switch Classify(err) {
	case KindSignerRejected:
		return "Transaction rejected by user"
	case KindInsufficientFunds:
		return "Insufficient funds for transaction"
	case KindTimedOut:
		return "Transaction appears stuck, pipeline was reset"
	case KindReverted, KindStaleReference:
		if reason := RevertReason(err); reason != "" {
			return reason
		}
		if isGasEstimation(strings.ToLower(err.Error())) {
			return "Gas estimation failed. Please try again."
		}
		if errors.Is(err, ErrStaleReference) {
			return ErrStaleReference.Error()
		}
		return "transaction reverted"
	}
	return err.Error()
}

// RevertReason extracts the ledger's revert reason, or "" when none is present.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var re *RevertError
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}
	var de rpcDataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok && s != "" && !strings.HasPrefix(s, "0x") {
			return s
		}
	}
	for _, p := range revertPatterns {
		if m := p.FindStringSubmatch(err.Error()); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func isSignerRejection(err error) bool {
	if errors.Is(err, ErrSignerRejected) {
		return true
	}
	var ce rpcCodeError
	if errors.As(err, &ce) && ce.ErrorCode() == userRejectedCode {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user")
}

func isGasEstimation(msg string) bool {
	return strings.Contains(msg, "gas required exceeds") ||
		strings.Contains(msg, "estimate gas") ||
		strings.Contains(msg, "gas estimation")
}
