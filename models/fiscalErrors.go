package models

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrCodeValidation            ErrorCode = "VALIDATION"
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrCodeConflict              ErrorCode = "CONFLICT"
	ErrCodePrecondition          ErrorCode = "PRECONDITION"
	ErrCodeSequencingUnavailable ErrorCode = "SEQUENCING_UNAVAILABLE"
	ErrCodeGatewayRejection      ErrorCode = "GATEWAY_REJECTION"
	ErrCodeGatewayUnavailable    ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrCodeTimeWindowExpired     ErrorCode = "TIME_WINDOW_EXPIRED"
	ErrCodeSequenceLimitExceeded ErrorCode = "SEQUENCE_LIMIT_EXCEEDED"
)

// FiscalError is the error every lifecycle operation returns to its caller.
// ReasonCode carries the authority's status code verbatim on rejections.
type FiscalError struct {
	Code       ErrorCode
	Message    string
	ReasonCode string
	Err        error
}

func (e *FiscalError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ReasonCode != "" {
		msg += " (reason " + e.ReasonCode + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FiscalError) Unwrap() error { return e.Err }

// Is matches any FiscalError with the same code, so the Err* sentinels work with errors.Is.
func (e *FiscalError) Is(target error) bool {
	t, ok := target.(*FiscalError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the same request may succeed if repeated later.
func (e *FiscalError) Retryable() bool {
	switch e.Code {
	case ErrCodeSequencingUnavailable, ErrCodeGatewayUnavailable, ErrCodeConflict:
		return true
	}
	return false
}

var (
	ErrValidation            = &FiscalError{Code: ErrCodeValidation}
	ErrNotFound              = &FiscalError{Code: ErrCodeNotFound}
	ErrConflict              = &FiscalError{Code: ErrCodeConflict}
	ErrPrecondition          = &FiscalError{Code: ErrCodePrecondition}
	ErrSequencingUnavailable = &FiscalError{Code: ErrCodeSequencingUnavailable}
	ErrGatewayRejection      = &FiscalError{Code: ErrCodeGatewayRejection}
	ErrGatewayUnavailable    = &FiscalError{Code: ErrCodeGatewayUnavailable}
	ErrTimeWindowExpired     = &FiscalError{Code: ErrCodeTimeWindowExpired}
	ErrSequenceLimitExceeded = &FiscalError{Code: ErrCodeSequenceLimitExceeded}
)

func NewValidationError(format string, args ...any) error {
	return &FiscalError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(what string) error {
	return &FiscalError{Code: ErrCodeNotFound, Message: what + " not found"}
}

func NewConflictError(format string, args ...any) error {
	return &FiscalError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

func NewPreconditionError(format string, args ...any) error {
	return &FiscalError{Code: ErrCodePrecondition, Message: fmt.Sprintf(format, args...)}
}

func NewSequencingUnavailableError(err error) error {
	return &FiscalError{Code: ErrCodeSequencingUnavailable, Message: "document counter unavailable", Err: err}
}

func NewGatewayRejection(reasonCode, reasonMessage string) error {
	return &FiscalError{Code: ErrCodeGatewayRejection, Message: reasonMessage, ReasonCode: reasonCode}
}

func NewGatewayUnavailableError(err error) error {
	return &FiscalError{Code: ErrCodeGatewayUnavailable, Message: "tax authority unreachable", Err: err}
}

func NewTimeWindowExpiredError(format string, args ...any) error {
	return &FiscalError{Code: ErrCodeTimeWindowExpired, Message: fmt.Sprintf(format, args...)}
}

func NewSequenceLimitExceededError(limit int) error {
	return &FiscalError{Code: ErrCodeSequenceLimitExceeded, Message: fmt.Sprintf("at most %d corrections per document", limit)}
}

// ErrorCodeOf returns the FiscalError code in err's chain, or "" for foreign errors.
func ErrorCodeOf(err error) ErrorCode {
	var fe *FiscalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsRetryable classifies err as retryable (transient) vs terminal.
func IsRetryable(err error) bool {
	var fe *FiscalError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}
