package payguard

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error codes
const (
	CodeNotFound               = "not_found"
	CodeNotPaid                = "not_paid"
	CodeExpired                = "expired"
	CodeInvalidSeed            = "invalid_seed"
	CodeInvalidAmount          = "invalid_amount"
	CodeRpcError               = "rpc_error"
	CodeRpcTimeout             = "rpc_timeout"
	CodeConcurrentModification = "concurrent_modification"
	CodeProofRejected          = "proof_rejected"
	CodeUsageExceeded          = "usage_exceeded"
)

// Error is a payment-specific error carrying a stable machine-readable code.
// Errors with the same code compare equal under errors.Is, so callers match
// against the package sentinels regardless of the message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality so wrapped instances match the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors for the package taxonomy. Use errors.Is to test against
// them; use Errorf to produce instances with contextual messages.
var (
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotPaid                = &Error{Code: CodeNotPaid, Message: "invoice not paid"}
	ErrExpired                = &Error{Code: CodeExpired, Message: "invoice expired"}
	ErrInvalidSeed            = &Error{Code: CodeInvalidSeed, Message: "invalid seed"}
	ErrInvalidAmount          = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrRpcError               = &Error{Code: CodeRpcError, Message: "ledger rpc error"}
	ErrRpcTimeout             = &Error{Code: CodeRpcTimeout, Message: "ledger rpc timeout"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Message: "concurrent modification"}
	ErrProofRejected          = &Error{Code: CodeProofRejected, Message: "payment proof rejected"}
	ErrUsageExceeded          = &Error{Code: CodeUsageExceeded, Message: "usage cap exceeded"}
)

// Errorf creates an Error with the given code and formatted message.
// An argument wrapped with %w is preserved as the cause.
func Errorf(code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{
		Code:    code,
		Message: wrapped.Error(),
		cause:   errors.Unwrap(wrapped),
	}
}

// HTTPStatus maps an error from the package taxonomy to the equivalent
// HTTP status code. Ledger RPC failures map to 503 so clients retry
// instead of treating an unreachable node as a denial. Unclassified
// errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRpcError), errors.Is(err, ErrRpcTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidSeed):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotPaid), errors.Is(err, ErrProofRejected), errors.Is(err, ErrUsageExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
