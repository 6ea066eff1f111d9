// Package apperr defines the closed set of error kinds surfaced by the bank-sync
// and budgeting core. Kinds are compared by tag, never by message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure.
type Kind string

const (
	KindUnknown             Kind = ""
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindNoToken             Kind = "NO_TOKEN"
	KindTokenUnavailable    Kind = "TOKEN_UNAVAILABLE"
	KindExpiredOrReusedCode Kind = "EXPIRED_OR_REUSED_CODE"
	KindAlreadyUsed         Kind = "ALREADY_USED"
	KindInvalidState        Kind = "INVALID_STATE"
	KindNetwork             Kind = "NETWORK_ERROR"
	KindAggregator          Kind = "AGGREGATOR_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindPersistence         Kind = "PERSISTENCE_ERROR"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
)

// Error is a structured error carrying its kind. Status and Body are only set
// for KindAggregator, where they hold the remote HTTP status and response body.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Body    string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Kind == KindAggregator && e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Aggregator creates a KindAggregator error for a rejected remote request.
func Aggregator(status int, body string, format string, args ...any) *Error {
	return &Error{
		Kind:    KindAggregator,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
		Body:    body,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
