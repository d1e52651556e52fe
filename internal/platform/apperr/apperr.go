// Package apperr defines the error taxonomy shared by the real-time core and
// its HTTP handlers. Every failure is scoped to the request or connection that
// caused it; none of these kinds is ever broadcast to other clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindClosed          Kind = "closed"
	KindInvalid         Kind = "invalid_payload"
	KindRateLimited     Kind = "rate_limited"
	KindUpstreamFailure Kind = "upstream_failure"
	KindUnknownEvent    Kind = "unknown_event"
	KindInternal        Kind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrUnauthorized    = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden       = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "conflict"}
	ErrClosed          = &Error{Kind: KindClosed, Message: "closed"}
	ErrInvalid         = &Error{Kind: KindInvalid, Message: "invalid payload"}
	ErrRateLimited     = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrUpstreamFailure = &Error{Kind: KindUpstreamFailure, Message: "upstream failure"}
)

// Error carries a Kind, a client-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind so that wrapped values compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Unauthorized, Forbidden, NotFound, Conflict, Closed and Invalid are
// shorthands for New with the matching kind.
func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Closed(format string, args ...interface{}) *Error {
	return New(KindClosed, format, args...)
}

func Invalid(format string, args ...interface{}) *Error {
	return New(KindInvalid, format, args...)
}

// Upstream wraps a collaborator failure (database, cache, relay).
func Upstream(err error, message string) *Error {
	return Wrap(KindUpstreamFailure, err, message)
}

// KindOf reports the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-safe message of err. Causes are not exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error to the status code used by the REST handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindClosed:
		return http.StatusGone
	case KindInvalid, KindUnknownEvent:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTP converts err into the echo error the REST handlers return.
func HTTP(err error) *echo.HTTPError {
	return echo.NewHTTPError(HTTPStatus(err), Message(err))
}
