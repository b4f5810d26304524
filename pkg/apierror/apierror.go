// Package apierror defines the error taxonomy shared by every component of
// the control plane. Each error carries a stable machine-readable code, the
// HTTP status it maps to at the API boundary, a human message, a suggestion
// for the caller, and a retryable flag.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeStoreNotFound          Code = "STORE_NOT_FOUND"
	CodeUserNotFound           Code = "USER_NOT_FOUND"
	CodeConflict               Code = "CONFLICT"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeUserExists             Code = "USER_EXISTS"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeUnsupportedEngine      Code = "UNSUPPORTED_ENGINE"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeInvalidCredentials     Code = "INVALID_CREDENTIALS"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeStoreLimitExceeded     Code = "STORE_LIMIT_EXCEEDED"
	CodeCreationCooldown       Code = "CREATION_COOLDOWN"
	CodeLoginRateLimited       Code = "LOGIN_RATE_LIMITED"
	CodeRegistrationLimited    Code = "REGISTRATION_RATE_LIMITED"
	CodeAccountLocked          Code = "ACCOUNT_LOCKED"
	CodeQueueFull              Code = "PROVISIONING_QUEUE_FULL"
	CodeQueueTimeout           Code = "PROVISIONING_QUEUE_TIMEOUT"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeHelmError              Code = "HELM_ERROR"
	CodeKubernetesError        Code = "KUBERNETES_ERROR"
	CodeProvisioningError      Code = "PROVISIONING_ERROR"
	CodeRequestTimeout         Code = "REQUEST_TIMEOUT"
	CodeInternal               Code = "INTERNAL_ERROR"
)

var httpStatusByCode = map[Code]int{
	CodeStoreNotFound:          http.StatusNotFound,
	CodeUserNotFound:           http.StatusNotFound,
	CodeConflict:               http.StatusConflict,
	CodeInvalidStateTransition: http.StatusConflict,
	CodeUserExists:             http.StatusConflict,
	CodeValidation:             http.StatusBadRequest,
	CodeUnsupportedEngine:      http.StatusBadRequest,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeForbidden:              http.StatusForbidden,
	CodeInvalidCredentials:     http.StatusUnauthorized,
	CodeRateLimitExceeded:      http.StatusTooManyRequests,
	CodeStoreLimitExceeded:     http.StatusTooManyRequests,
	CodeCreationCooldown:       http.StatusTooManyRequests,
	CodeLoginRateLimited:       http.StatusTooManyRequests,
	CodeRegistrationLimited:    http.StatusTooManyRequests,
	CodeAccountLocked:          http.StatusLocked,
	CodeQueueFull:              http.StatusServiceUnavailable,
	CodeQueueTimeout:           http.StatusServiceUnavailable,
	CodeCircuitOpen:            http.StatusServiceUnavailable,
	CodeServiceUnavailable:     http.StatusServiceUnavailable,
	CodeHelmError:              http.StatusInternalServerError,
	CodeKubernetesError:        http.StatusInternalServerError,
	CodeProvisioningError:      http.StatusInternalServerError,
	CodeRequestTimeout:         http.StatusRequestTimeout,
	CodeInternal:               http.StatusInternalServerError,
}

// Error is the canonical control plane error.
type Error struct {
	Code       Code
	Message    string
	Suggestion string
	Retryable  bool
	// RetryAfter, when non-zero, is surfaced as a Retry-After hint in seconds.
	RetryAfter int
	Details    any
	Metadata   map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status the error maps to at the API boundary.
// Unknown codes map to 500.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithSuggestion sets the caller-facing suggestion.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithRetryable overrides the default retryable classification.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets the retry-after hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithDetails attaches structured details to the error payload.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithMetadata attaches a single metadata key.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeQueueFull, CodeQueueTimeout, CodeCircuitOpen, CodeServiceUnavailable,
		CodeRateLimitExceeded, CodeCreationCooldown, CodeLoginRateLimited,
		CodeRegistrationLimited, CodeRequestTimeout:
		return true
	}
	return false
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a retryable control plane error.
// Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}
