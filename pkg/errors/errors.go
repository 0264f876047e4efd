// Package errors defines the typed error taxonomy shared across keyfort.
//
// Every failure that crosses a component boundary is an *Error carrying one
// of the codes below. The orchestrator converts these into result values; no
// other error type is visible to callers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure visible to callers.
type Code string

// Error codes
const (
	// CodeUnauthorized is returned for a missing, invalid, expired, or revoked bearer
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeTokenRevoked refines CodeUnauthorized when the bearer was explicitly revoked
	CodeTokenRevoked Code = "TOKEN_REVOKED"

	// CodeForbidden is returned when a valid principal is denied by permission rules
	CodeForbidden Code = "FORBIDDEN"

	// CodeInvalidCredentials is returned when a login fails; it is deliberately
	// indistinguishable from "no such user"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	// CodeAccountLocked is returned when the account is under a lockout policy
	CodeAccountLocked Code = "ACCOUNT_LOCKED"

	// CodeIPBlocked is returned when the source IP is blocked
	CodeIPBlocked Code = "IP_BLOCKED"

	// CodeValidationError is returned for malformed input
	CodeValidationError Code = "VALIDATION_ERROR"

	// CodeUserExists is returned on a registration collision
	CodeUserExists Code = "USER_EXISTS"

	// CodeServiceError is returned for a generic upstream or adapter failure
	CodeServiceError Code = "SERVICE_ERROR"

	// CodeRateLimited is returned when a request is capped by the rate limiter
	CodeRateLimited Code = "RATE_LIMITED"
)

// Sentinels shared by the storage layers.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a record already exists.
	ErrAlreadyExists = errors.New("resource already exists")
)

// Error represents a classified failure in the auth core
type Error struct {
	// Code is the error class
	Code Code

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return New(CodeUnauthorized, message, cause)
}

// NewTokenRevokedError creates a new token revoked error
func NewTokenRevokedError(message string, cause error) *Error {
	return New(CodeTokenRevoked, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return New(CodeForbidden, message, cause)
}

// NewInvalidCredentialsError creates a new invalid credentials error
func NewInvalidCredentialsError(message string, cause error) *Error {
	return New(CodeInvalidCredentials, message, cause)
}

// NewAccountLockedError creates a new account locked error
func NewAccountLockedError(message string, cause error) *Error {
	return New(CodeAccountLocked, message, cause)
}

// NewIPBlockedError creates a new IP blocked error
func NewIPBlockedError(message string, cause error) *Error {
	return New(CodeIPBlocked, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return New(CodeValidationError, message, cause)
}

// NewUserExistsError creates a new user exists error
func NewUserExistsError(message string, cause error) *Error {
	return New(CodeUserExists, message, cause)
}

// NewServiceError creates a new service error
func NewServiceError(message string, cause error) *Error {
	return New(CodeServiceError, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return New(CodeRateLimited, message, cause)
}

// CodeOf extracts the code from err, or CodeServiceError when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServiceError
}

// Is checks whether err carries the given code anywhere in its chain
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsUnauthorized checks if the error is an unauthorized error.
// A revoked token counts as unauthorized.
func IsUnauthorized(err error) bool {
	return Is(err, CodeUnauthorized) || Is(err, CodeTokenRevoked)
}

// IsTokenRevoked checks if the error is a token revoked error
func IsTokenRevoked(err error) bool {
	return Is(err, CodeTokenRevoked)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return Is(err, CodeForbidden)
}

// IsInvalidCredentials checks if the error is an invalid credentials error
func IsInvalidCredentials(err error) bool {
	return Is(err, CodeInvalidCredentials)
}

// IsAccountLocked checks if the error is an account locked error
func IsAccountLocked(err error) bool {
	return Is(err, CodeAccountLocked)
}

// IsIPBlocked checks if the error is an IP blocked error
func IsIPBlocked(err error) bool {
	return Is(err, CodeIPBlocked)
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return Is(err, CodeValidationError)
}

// IsUserExists checks if the error is a user exists error
func IsUserExists(err error) bool {
	return Is(err, CodeUserExists)
}

// IsServiceError checks if the error is a service error
func IsServiceError(err error) bool {
	return Is(err, CodeServiceError)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return Is(err, CodeRateLimited)
}

// HTTPStatus maps an error to the HTTP status a transport should answer with.
func HTTPStatus(err error) int {
	return CodeOf(err).HTTPStatus()
}

// HTTPStatus maps the code to the HTTP status a transport should answer
// with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized, CodeTokenRevoked, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeAccountLocked, CodeIPBlocked:
		return http.StatusLocked
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeUserExists:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
