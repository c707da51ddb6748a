package domain

import (
	"errors"
	"fmt"
)

// Code is the error class surfaced to callers.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeInternal           Code = "INTERNAL"
)

// Reasons refine a Code for the presentation layer.
const (
	ReasonInvalidInput      = "INVALID_INPUT"
	ReasonAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ReasonAccountInactive   = "ACCOUNT_INACTIVE"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonSelfTransfer      = "SELF_TRANSFER"
	ReasonSameOwner         = "SAME_OWNER"
	ReasonCurrencyMismatch  = "CURRENCY_MISMATCH"
	ReasonDailyLimit        = "DAILY_LIMIT_EXCEEDED"
	ReasonFraudThreshold    = "FRAUD_THRESHOLD_EXCEEDED"
	ReasonAmountOutOfRange  = "AMOUNT_OUT_OF_RANGE"
	ReasonNotOwner          = "NOT_OWNER"
	ReasonKeyReused         = "IDEMPOTENCY_KEY_REUSED"
	ReasonRequestInProgress = "REQUEST_IN_PROGRESS"
	ReasonWriteConflict     = "WRITE_CONFLICT"
	ReasonUnauthenticated   = "UNAUTHENTICATED"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSelfTransfer        = errors.New("self-transfer not allowed")
	ErrSameOwner           = errors.New("transfer between accounts of the same owner")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrDailyLimitExceeded  = errors.New("daily limit exceeded")
	ErrFraudThreshold      = errors.New("rolling 24h debit threshold exceeded")
	ErrAmountOutOfRange    = errors.New("amount out of range")
	ErrNotOwner            = errors.New("caller does not own the account")
	ErrUnauthenticated     = errors.New("caller is not authenticated")
	ErrInvalidInput        = errors.New("invalid input")
	ErrIdempotencyInFlight = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrWriteConflict       = errors.New("write conflict retries exhausted")
	ErrReplayedFailure     = errors.New("replayed failure")
)

// Error is a classified engine error. Message is human readable and carries
// the figures needed to explain the rejection (balance, limit, remaining).
type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Newf builds an *Error wrapping cause.
func Newf(code Code, reason string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...), Err: cause}
}

func InvalidArgument(format string, args ...any) *Error {
	return Newf(CodeInvalidArgument, ReasonInvalidInput, ErrInvalidInput, format, args...)
}

func Precondition(reason string, cause error, format string, args ...any) *Error {
	return Newf(CodeFailedPrecondition, reason, cause, format, args...)
}

func Internal(cause error, format string, args ...any) *Error {
	return Newf(CodeInternal, "", cause, format, args...)
}

// CodeOf classifies any error; unclassified errors are INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsBusinessRejection reports whether err is a deterministic outcome that
// should be replayed verbatim to a retrying client.
func IsBusinessRejection(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodePermissionDenied, CodeFailedPrecondition, CodeInvalidArgument:
		return true
	}
	return false
}
