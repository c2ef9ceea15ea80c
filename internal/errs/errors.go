package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error classification. Every error
// crossing a component boundary carries exactly one Kind; retry and
// HTTP-status decisions are pure functions over it, never over message text.
type Kind string

const (
	KindDuplicateNonce        Kind = "duplicate_nonce"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindSettlementFailed      Kind = "settlement_failed"
	KindSwapValidation        Kind = "swap_validation"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindInsufficientAllowance Kind = "insufficient_allowance"
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindDeadlineExceeded      Kind = "deadline_exceeded"
	KindLiquidityInsufficient Kind = "liquidity_insufficient"
	KindNetworkError          Kind = "network_error"
	KindProviderAPI           Kind = "provider_api"
	KindGasEstimation         Kind = "gas_estimation"
	KindTransactionFailed     Kind = "transaction_failed"
	KindCircuitOpen           Kind = "circuit_open"
	KindUnknown               Kind = "unknown"
)

// Error is a tagged error carried across the pipeline.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. The cause remains reachable via errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithSuggestion attaches a remediation hint surfaced to callers.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// KindOf extracts the Kind from any error. Untagged errors are KindUnknown;
// a nil error has no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether an error kind represents a transient condition
// worth retrying. Business rejections (duplicate nonce, quota, validation)
// are never retryable; re-running them cannot change the outcome.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkError, KindGasEstimation:
		return true
	case KindProviderAPI:
		var e *Error
		if errors.As(err, &e) {
			transient, _ := e.Details["transient"].(bool)
			return transient
		}
		return false
	default:
		return false
	}
}
