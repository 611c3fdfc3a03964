package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for the HTTP boundary. The set is closed: adding a
// kind requires extending Status and every switch over Kind.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindRateLimited
)

// Status returns the HTTP status code mapped to the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "gone"
	case KindRateLimited:
		return "rate_limited"
	case KindInternal:
		return "internal"
	}
	return "internal"
}

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Kind       Kind                `json:"-"`
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	Status     int                 `json:"status"`
	Fields     map[string][]string `json:"fields,omitempty"`
	RetryAfter time.Duration       `json:"-"`
	Err        error               `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so callers can use errors.Is against
// the predefined values even after Clone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: kind.Status(), Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: kind.Status(), Message: message, Err: err}
}

// Internal wraps a store or infrastructure failure without translating it.
func Internal(err error, message string) *Error {
	return Wrap(err, KindInternal, ErrInternal.Code, message)
}

// Predefined errors for common scenarios.
var (
	ErrBadRequest   = New(KindBadRequest, "GEN_BAD_REQUEST", "bad request")
	ErrValidation   = New(KindValidation, "GEN_VALIDATION_ERROR", "validation failed")
	ErrUnauthorized = New(KindUnauthorized, "GEN_UNAUTHORIZED", "unauthorized")
	ErrForbidden    = New(KindForbidden, "GEN_FORBIDDEN", "forbidden")
	ErrNotFound     = New(KindNotFound, "GEN_NOT_FOUND", "resource not found")
	ErrConflict     = New(KindConflict, "GEN_CONFLICT", "conflict")
	ErrGone         = New(KindGone, "GEN_GONE", "resource no longer available")
	ErrRateLimited  = New(KindRateLimited, "GEN_RATE_LIMIT", "too many requests")
	ErrInternal     = New(KindInternal, "GEN_INTERNAL_SERVER_ERROR", "internal server error")

	ErrEmailExists         = New(KindConflict, "USER_EMAIL_EXISTS", "email already exists")
	ErrUsernameExists      = New(KindConflict, "USER_USERNAME_EXISTS", "username already exists")
	ErrInvalidLogin        = New(KindUnauthorized, "AUTH_INVALID_CREDENTIALS", "invalid account or password")
	ErrInvalidRefreshToken = New(KindUnauthorized, "AUTH_INVALID_REFRESH_TOKEN", "refresh token invalid or expired")
	ErrInvalidAccessToken  = New(KindUnauthorized, "AUTH_INVALID_ACCESS_TOKEN", "invalid token")

	ErrVerifyCriteriaMissing = New(KindBadRequest, "VERIFY_CRITERIA_MISSING", "userId, email or username is required")
	ErrVerifyUserNotFound    = New(KindNotFound, "VERIFY_USER_NOT_FOUND", "user not found")
	ErrVerifyMismatch        = New(KindBadRequest, "VERIFY_IDENTITY_MISMATCH", "supplied identity does not match")
	ErrVerifyAlreadyDone     = New(KindConflict, "EMAIL_ALREADY_VERIFIED", "email already verified")
	ErrVerifyTokenInvalid    = New(KindGone, "TOKEN_INVALID_OR_EXPIRED", "token is invalid, expired or already used")
	ErrVerifyTooSoon         = New(KindRateLimited, "VERIFY_TOO_SOON", "verification email was sent recently")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, KindInternal, ErrInternal.Code, ErrInternal.Message)
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e := FromError(err); e != nil {
		return e.Kind
	}
	return KindInternal
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithFields returns a copy carrying a field-level error map.
func WithFields(err *Error, fields map[string][]string) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	clone.Fields = fields
	return clone
}

// WithRetryAfter returns a copy carrying a retry hint for rate limited errors.
func WithRetryAfter(err *Error, after time.Duration) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	clone.RetryAfter = after
	return clone
}
