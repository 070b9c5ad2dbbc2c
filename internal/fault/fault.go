// Package fault provides error classification shared across the server.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and SSE reporting.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindBadRequest Kind = "bad_request"
	KindUpstream   Kind = "upstream_error"
	KindCancelled  Kind = "cancelled"
	KindTool       Kind = "tool_error"
	KindInternal   Kind = "internal"
)

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Context cancellation maps to
// KindCancelled; everything unclassified maps to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message safe to show clients. Internal errors are
// redacted; details stay in the server log.
func Public(err error) string {
	kind := KindOf(err)
	if kind == KindInternal {
		return "internal server error"
	}
	return err.Error()
}
