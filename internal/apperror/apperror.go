package apperror

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers branch with errors.Is; handlers map each kind to
// an HTTP status in handler.writeError.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// Session and reset lifecycle kinds.
	ErrInvalidAssertion     = errors.New("invalid assertion")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrInvalidResetToken    = errors.New("invalid reset token")
	ErrUpstreamUpdateFailed = errors.New("upstream update failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrMailFailed           = errors.New("mail failed")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // Human-readable, safe to show to the caller
	Field   string // Optional: field causing the error
	Cause   error  // Optional: low-level error, logged but never serialized
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause so errors.Is matches either.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// InvalidAssertion means the upstream identity credential was malformed,
// expired or could not be verified. The caller should re-authenticate.
func InvalidAssertion(message string, cause error) *AppError {
	return &AppError{Err: ErrInvalidAssertion, Message: message, Cause: cause}
}

// AuthFailed means no identity could be established by any path,
// fallback included.
func AuthFailed(message string) *AppError {
	return &AppError{Err: ErrAuthFailed, Message: message}
}

// Unauthenticated means a previously issued session is no longer valid.
func Unauthenticated(message string) *AppError {
	return &AppError{Err: ErrUnauthenticated, Message: message}
}

// StoreUnavailable means the persistence layer could not answer. It is not
// the same as "logged out": callers should retry rather than clear tokens.
func StoreUnavailable(cause error) *AppError {
	return &AppError{
		Err:     ErrStoreUnavailable,
		Message: "session store is temporarily unavailable",
		Cause:   cause,
	}
}

func InvalidResetToken(message string) *AppError {
	return &AppError{Err: ErrInvalidResetToken, Message: message}
}

// UpstreamUpdateFailed carries the identity provider's reason in Message
// only when that reason is safe to show.
func UpstreamUpdateFailed(message string, cause error) *AppError {
	return &AppError{Err: ErrUpstreamUpdateFailed, Message: message, Cause: cause}
}

// MailFailed means the mail sender did not accept a message.
func MailFailed(message string, cause error) *AppError {
	return &AppError{Err: ErrMailFailed, Message: message, Cause: cause}
}

func RateLimited(message string) *AppError {
	return &AppError{Err: ErrRateLimited, Message: message}
}

// Reason returns the caller-facing message for err. Anything that is not an
// AppError collapses to a generic string so internals never leak.
func Reason(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}
