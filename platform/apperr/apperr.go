// Package apperr provides the typed error taxonomy shared by the lifecycle,
// pricing and reconciliation packages. Services return these errors for
// expected conditions and the HTTP layer maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	// KindUnknown is the default error kind when none is specified.
	KindUnknown Kind = iota
	// KindNotFound indicates the target entity does not exist.
	KindNotFound
	// KindValidation indicates invalid input data.
	KindValidation
	// KindConflict indicates a conflict with existing state (e.g., a quote already attached).
	KindConflict
	// KindVersionConflict indicates the caller's expected version is stale.
	KindVersionConflict
	// KindIllegalTransition indicates the requested status change is not in the transition table.
	KindIllegalTransition
	// KindUnsupportedSelection indicates a pricing selection that has no price.
	KindUnsupportedSelection
	// KindInvalidSignature indicates a webhook failed authentication.
	KindInvalidSignature
	// KindUnauthorized indicates authentication is required or failed.
	KindUnauthorized
	// KindBadRequest indicates a malformed request.
	KindBadRequest
	// KindInternal indicates an unexpected internal error.
	KindInternal
)

var kindCodes = map[Kind]string{
	KindUnknown:              "UNKNOWN",
	KindNotFound:             "NOT_FOUND",
	KindValidation:           "VALIDATION",
	KindConflict:             "CONFLICT",
	KindVersionConflict:      "VERSION_CONFLICT",
	KindIllegalTransition:    "ILLEGAL_TRANSITION",
	KindUnsupportedSelection: "UNSUPPORTED_SELECTION",
	KindInvalidSignature:     "INVALID_SIGNATURE",
	KindUnauthorized:         "UNAUTHORIZED",
	KindBadRequest:           "BAD_REQUEST",
	KindInternal:             "INTERNAL",
}

// String returns the stable machine-readable code for the kind.
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

// Error is a domain error with a typed Kind for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Op      string // Operation that failed (optional)
	Err     error  // Underlying error (optional)
	Details any    // Additional details for response (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the stable machine-readable code of the error kind.
func (e *Error) Code() string {
	return e.Kind.String()
}

// HTTPStatus returns the appropriate HTTP status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindConflict, KindVersionConflict:
		return http.StatusConflict
	case KindIllegalTransition, KindUnsupportedSelection:
		return http.StatusUnprocessableEntity
	case KindInvalidSignature, KindUnauthorized:
		return http.StatusUnauthorized
	case KindInternal, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New creates a new domain error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp sets the operation and returns the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetails sets response details and returns the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// VersionConflict creates a retryable stale-version error.
func VersionConflict(message string) *Error {
	return New(KindVersionConflict, message)
}

// IllegalTransition creates an illegal transition error.
func IllegalTransition(message string) *Error {
	return New(KindIllegalTransition, message)
}

// UnsupportedSelection creates a pricing selection error.
func UnsupportedSelection(message string) *Error {
	return New(KindUnsupportedSelection, message)
}

// InvalidSignature creates a webhook authentication error.
func InvalidSignature(message string) *Error {
	return New(KindInvalidSignature, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

// BadRequest creates a bad request error.
func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

// Internal creates an internal server error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// As extracts the *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetKind extracts the error kind from an error chain.
// Returns KindUnknown if no *Error is present.
func GetKind(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err carries an *Error with the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsRetryable reports whether the caller may retry after re-reading state.
func IsRetryable(err error) bool {
	return Is(err, KindVersionConflict)
}
