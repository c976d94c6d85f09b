// Package nubierr defines the closed error taxonomy used across the daemon.
// Every user-visible failure is one of the kinds below; callers switch on
// KindOf instead of matching message strings.
package nubierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindConfigInvalid Kind = "config_invalid"
	KindReloadFailed  Kind = "reload_failed"
	KindTransient     Kind = "transient"
	KindAcme          Kind = "acme"
)

// Error is the daemon's error value. Detail carries external diagnostic text
// (typically nginx's own -t output) that should be shown to the operator
// verbatim.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// HTTPStatus maps the error kind to an HTTP response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConfigInvalid:
		return http.StatusUnprocessableEntity
	case KindReloadFailed:
		// Committed state with a warning; handlers surface this as success.
		return http.StatusOK
	case KindAcme:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a KindConflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ConfigInvalid builds a KindConfigInvalid error carrying nginx's diagnostic.
func ConfigInvalid(msg, diagnostic string) *Error {
	return &Error{Kind: KindConfigInvalid, Message: msg, Detail: diagnostic}
}

// ReloadFailed wraps a reload error. State has already been committed when
// this is returned.
func ReloadFailed(err error) *Error {
	return &Error{Kind: KindReloadFailed, Message: "nginx reload failed", underlying: err}
}

// Transientf builds a KindTransient error wrapping an I/O cause.
func Transientf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), underlying: err}
}

// Acme wraps a failure from the ACME library.
func Acme(err error, msg string) *Error {
	return &Error{Kind: KindAcme, Message: msg, underlying: err}
}

// KindOf extracts the kind from err, walking wrapped errors. Unclassified
// errors report KindTransient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// As is a convenience wrapper returning the typed error when present.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
