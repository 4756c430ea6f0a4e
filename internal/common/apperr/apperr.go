// Package apperr provides the typed error envelope surfaced by every tool.
// Each error carries a stable machine-readable kind and a human-readable
// message; broker internals are wrapped but never rendered to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds as constants.
const (
	KindBrokerUnavailable        = "BROKER_UNAVAILABLE"
	KindNotRegistered            = "NOT_REGISTERED"
	KindInvalidArgument          = "INVALID_ARGUMENT"
	KindNotFound                 = "NOT_FOUND"
	KindPermissionDenied         = "PERMISSION_DENIED"
	KindInvalidCursor            = "INVALID_CURSOR"
	KindPaginationFilterMismatch = "PAGINATION_FILTER_MISMATCH"
	KindConflict                 = "CONFLICT"
	KindInternal                 = "INTERNAL"
)

// Error is an application error with a machine-readable kind.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// BrokerUnavailable reports a failed broker connection or round-trip.
// The underlying error is wrapped for logs but kept out of Message.
func BrokerUnavailable(op string, err error) *Error {
	return &Error{
		Kind:    KindBrokerUnavailable,
		Message: fmt.Sprintf("broker operation '%s' failed", op),
		Err:     err,
	}
}

// NotRegistered reports a tool call that requires prior registration.
func NotRegistered() *Error {
	return &Error{
		Kind:    KindNotRegistered,
		Message: "agent is not registered; call registry_register first",
	}
}

// InvalidArgument reports a schema or domain validation failure.
func InvalidArgument(message string) *Error {
	return &Error{
		Kind:    KindInvalidArgument,
		Message: message,
	}
}

// NotFound reports a missing agent, channel, work item, or DLQ entry.
func NotFound(resource string, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// PermissionDenied reports a visibility rule forbidding the operation.
func PermissionDenied(message string) *Error {
	return &Error{
		Kind:    KindPermissionDenied,
		Message: message,
	}
}

// InvalidCursor reports a malformed or out-of-range pagination cursor.
func InvalidCursor(message string) *Error {
	return &Error{
		Kind:    KindInvalidCursor,
		Message: message,
	}
}

// FilterMismatch reports filters that changed between pages of one walk.
func FilterMismatch() *Error {
	return &Error{
		Kind:    KindPaginationFilterMismatch,
		Message: "filters do not match the filters the cursor was issued for",
	}
}

// Conflict reports a lost compare-and-set race; the caller may retry.
func Conflict(message string) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: message,
	}
}

// Internal reports an unexpected failure with a wrapped underlying error.
func Internal(message string, err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, preserving the kind
// when the error is already an *Error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &Error{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict checks if the error is a compare-and-set conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsInvalidArgument checks if the error is a validation failure.
func IsInvalidArgument(err error) bool {
	return KindOf(err) == KindInvalidArgument
}
