package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, caller-visible error identifier
type ErrorCode string

const (
	CodeCostLimitExceeded     ErrorCode = "COST_LIMIT_EXCEEDED"
	CodeBatchSizeExceeded     ErrorCode = "BATCH_SIZE_EXCEEDED"
	CodeUnknownProvider       ErrorCode = "UNKNOWN_PROVIDER"
	CodeNoEligibleProvider    ErrorCode = "NO_ELIGIBLE_PROVIDER"
	CodeNoHealthyFallback     ErrorCode = "NO_HEALTHY_FALLBACK"
	CodeAlreadyResolved       ErrorCode = "ALREADY_RESOLVED"
	CodeNonRetryable          ErrorCode = "NON_RETRYABLE"
	CodeCostThresholdExceeded ErrorCode = "COST_THRESHOLD_EXCEEDED"
	CodeJobNotFound           ErrorCode = "JOB_NOT_FOUND"
	CodeEntryNotFound         ErrorCode = "ENTRY_NOT_FOUND"
	CodeAlertNotFound         ErrorCode = "ALERT_NOT_FOUND"
	CodeNotCancellable        ErrorCode = "NOT_CANCELLABLE"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
)

// CodedError carries a stable code next to a human-readable message.
// Two CodedErrors match under errors.Is when their codes are equal.
type CodedError struct {
	Code    ErrorCode
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any CodedError with the same code.
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	return ok && t.Code == e.Code
}

// Errorf builds a CodedError with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Sentinels for errors.Is matching.
var (
	ErrCostLimitExceeded     = &CodedError{Code: CodeCostLimitExceeded, Message: "cost limit exceeded"}
	ErrBatchSizeExceeded     = &CodedError{Code: CodeBatchSizeExceeded, Message: "batch size exceeded"}
	ErrUnknownProvider       = &CodedError{Code: CodeUnknownProvider, Message: "unknown provider"}
	ErrNoEligibleProvider    = &CodedError{Code: CodeNoEligibleProvider, Message: "no eligible provider"}
	ErrNoHealthyFallback     = &CodedError{Code: CodeNoHealthyFallback, Message: "no healthy fallback provider"}
	ErrAlreadyResolved       = &CodedError{Code: CodeAlreadyResolved, Message: "dead-letter entry already resolved"}
	ErrNonRetryable          = &CodedError{Code: CodeNonRetryable, Message: "failure category is not retryable"}
	ErrCostThresholdExceeded = &CodedError{Code: CodeCostThresholdExceeded, Message: "retry cost threshold exceeded"}
	ErrJobNotFound           = &CodedError{Code: CodeJobNotFound, Message: "job not found"}
	ErrEntryNotFound         = &CodedError{Code: CodeEntryNotFound, Message: "dead-letter entry not found"}
	ErrAlertNotFound         = &CodedError{Code: CodeAlertNotFound, Message: "alert not found"}
	ErrNotCancellable        = &CodedError{Code: CodeNotCancellable, Message: "job cannot be cancelled in its current state"}
	ErrRateLimited           = &CodedError{Code: CodeRateLimited, Message: "provider rate limit reached"}
	ErrInvalidRequest        = &CodedError{Code: CodeInvalidRequest, Message: "invalid request"}
)
