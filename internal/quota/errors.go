package quota

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure code returned to callers.
type Code string

const (
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeMissingQuotaType  Code = "MISSING_QUOTA_TYPE"
	CodeInvalidType       Code = "INVALID_TYPE"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	CodeConsumptionFailed Code = "CONSUMPTION_FAILED"
	CodeStateInconsistent Code = "STATE_INCONSISTENT"
	CodeDBError           Code = "DB_ERROR"
	CodeVerificationError Code = "VERIFICATION_ERROR"
	CodeInternalError     Code = "INTERNAL_ERROR"
)

// Retryable reports whether a request that failed with c may be retried.
// A retry of a consume must still re-read state first.
func (c Code) Retryable() bool {
	switch c {
	case CodeDBError, CodeVerificationError, CodeInternalError:
		return true
	}
	return false
}

// Store-level sentinels. Store implementations wrap these.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrStore        = errors.New("quota store failure")
)

// Error is a failure that stopped a quota operation before it produced a result.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed operation may be retried.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the Code carried by err, or INTERNAL_ERROR if it has none.
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternalError
}

// ErrGuardRejected is returned when a store's conditional write refuses a
// record that would break the used <= limit invariant.
var ErrGuardRejected = errors.New("conditional quota update rejected")
