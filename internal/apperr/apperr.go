// Package apperr defines the delivery error taxonomy shared by the
// orchestrator, delivery engine, and channel adapters. Adapters classify
// every outcome into one of these kinds at their boundary; the engine alone
// decides what a kind means for retry.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes a failure for retry decisions and the attempt log.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"     // validation failed, surfaced synchronously
	KindTemplateNotFound Kind = "template_not_found"
	KindTemplateInactive Kind = "template_inactive"
	KindSuppressed       Kind = "suppressed"     // preference deny or suppression list
	KindInvalidHandle    Kind = "invalid_handle" // malformed address/number/token
	KindRateLimited      Kind = "rate_limited"   // window exhausted, defer without counting an attempt
	KindTransient        Kind = "transient"      // retry with backoff
	KindPermanent        Kind = "permanent"      // unambiguous rejection, dead-letter
	KindExhausted        Kind = "exhausted"      // retries consumed
	KindInternal         Kind = "internal"       // bug or invariant violation
	KindPersistence      Kind = "persistence"    // storage failure during submit
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
)

// Retryable reports whether the engine should schedule another attempt for
// failures of this kind. Rate-limited deferrals are handled separately and
// do not consume an attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindInternal:
		return true
	default:
		return false
	}
}

// Error is a structured application error carrying a taxonomy kind.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Metadata map[string]interface{}
	Cause    error

	// RetryAfter is set on rate-limited errors to indicate how long the
	// caller must wait before the window has room again.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMetadata attaches a key/value pair for logging.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Invalid creates an input-validation error.
func Invalid(field, message string) *Error {
	return New(KindInvalidInput, message).WithMetadata("field", field)
}

// TemplateNotFound creates an error for a missing template.
func TemplateNotFound(templateID, channel string) *Error {
	return New(KindTemplateNotFound, fmt.Sprintf("template %q has no %s content", templateID, channel))
}

// TemplateInactive creates an error for an inactive template.
func TemplateInactive(templateID string) *Error {
	return New(KindTemplateInactive, fmt.Sprintf("template %q is inactive", templateID))
}

// Suppressed creates an error recording why a recipient must not be contacted.
func Suppressed(reason string) *Error {
	return New(KindSuppressed, reason)
}

// InvalidHandle creates an error for a malformed contact handle.
func InvalidHandle(message string) *Error {
	return New(KindInvalidHandle, message)
}

// RateLimited creates a deferral error with the wait until the window opens.
func RateLimited(scope string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, fmt.Sprintf("rate limit exhausted for %s", scope))
	e.RetryAfter = retryAfter
	return e
}

// Transient creates a retryable delivery error.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

// Permanent creates a non-retryable delivery error.
func Permanent(message string, cause error) *Error {
	return Wrap(KindPermanent, message, cause)
}

// Exhausted creates the synthetic terminal error written when retries run out.
func Exhausted(attempts int) *Error {
	return New(KindExhausted, fmt.Sprintf("retries exhausted after %d attempts", attempts))
}

// Internal creates an error for bugs and invariant violations.
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}

// Persistence creates a storage error.
func Persistence(operation string, cause error) *Error {
	return Wrap(KindPersistence, fmt.Sprintf("storage operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// KindOf returns the taxonomy kind of err, or KindInternal when err carries
// no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the engine may retry after err.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfter extracts the deferral hint from a rate-limited error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}
