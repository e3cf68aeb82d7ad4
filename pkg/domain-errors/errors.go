// Package domainerrors carries typed, transport-agnostic errors from services
// to the HTTP edge. Stores never return these; they return sentinel errors
// that services translate.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error. The string value is what clients see in the
// "error" field of a JSON error response.
type Code string

const (
	CodeBadRequest           Code = "bad_request"
	CodeValidation           Code = "validation_error"
	CodeInvalidInput         Code = "invalid_input"
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
	CodeAlreadyUsed          Code = "already_used"
	CodeExpired              Code = "expired"
	CodeMismatch             Code = "code_mismatch"
	CodeVerificationRequired Code = "verification_required"
	CodePolicy               Code = "password_policy"
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeTimeout              Code = "timeout"
	CodeRateLimited          Code = "rate_limit_exceeded"
	CodeInvariantViolation   Code = "invariant_violation"
	CodeInternal             Code = "internal_error"
)

// Error is the concrete domain error.
type Error struct {
	Code    Code
	Message string
	// Violations lists every failed rule for policy errors.
	Violations []string
	Err        error
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

// New creates a domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: err}
}

// WithViolations builds a policy error listing every violated rule.
func WithViolations(msg string, violations []string) error {
	return &Error{Code: CodePolicy, Message: msg, Violations: violations}
}

// As returns the outermost domain error in err's chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether err's outermost domain error carries code.
func HasCode(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// Is reports whether err is a domain error with the same code as target.
func Is(err error, target Code) bool {
	return HasCode(err, target)
}

// IsExpired reports whether err signals a past-TTL challenge, code or token.
// Clients use it to prompt re-issuance.
func IsExpired(err error) bool {
	if HasCode(err, CodeExpired) {
		return true
	}
	de, ok := As(err)
	return ok && de.Code == CodeUnauthorized && de.Message == TokenExpiredMessage
}

// TokenExpiredMessage is the message used for expired session tokens.
const TokenExpiredMessage = "token has expired"
