// Package httperr defines the single structured error envelope returned by
// every non-2xx response: {"error": {"kind": ..., "message": ..., "details": [...]}}.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kind classifies an error for clients.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDomain           Kind = "domain"
	KindNotFound         Kind = "not_found"
	KindIdentityMismatch Kind = "identity_mismatch"
	KindInternal         Kind = "internal"
)

// Error is an HTTP-mappable error. Details carry the individual violated
// rules for validation and domain errors.
type Error struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`

	status int
}

func (e *Error) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status this error renders as.
func (e *Error) StatusCode() int {
	return e.status
}

func Validation(message string, details ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details, status: http.StatusBadRequest}
}

func Domain(message string, details ...string) *Error {
	return &Error{Kind: KindDomain, Message: message, Details: details, status: http.StatusBadRequest}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message, status: http.StatusNotFound}
}

func IdentityMismatch(message string) *Error {
	return &Error{Kind: KindIdentityMismatch, Message: message, status: http.StatusUnauthorized}
}

func Internal() *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", status: http.StatusInternalServerError}
}

type envelope struct {
	Error *Error `json:"error"`
}

// Handler returns an echo HTTPErrorHandler that renders every error through
// the envelope. Unexpected errors are logged with their detail server-side
// and surfaced to the client as an opaque internal error.
func Handler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *Error
		if !errors.As(err, &apiErr) {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				apiErr = fromEchoError(httpErr)
			} else {
				logger.Error().Err(err).
					Str("path", c.Request().URL.Path).
					Msg("unhandled error")
				apiErr = Internal()
			}
		}

		if apiErr.Kind == KindInternal {
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Msg("internal error")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(apiErr.status)
			return
		}
		_ = c.JSON(apiErr.status, envelope{Error: apiErr})
	}
}

// fromEchoError maps errors raised by echo itself (404 on unknown routes,
// 405, binding failures) into the envelope taxonomy.
func fromEchoError(httpErr *echo.HTTPError) *Error {
	msg, _ := httpErr.Message.(string)
	if msg == "" {
		msg = http.StatusText(httpErr.Code)
	}

	switch {
	case httpErr.Code == http.StatusNotFound:
		return NotFound(msg)
	case httpErr.Code == http.StatusUnauthorized:
		return IdentityMismatch(msg)
	case httpErr.Code >= 400 && httpErr.Code < 500:
		e := Validation(msg)
		e.status = httpErr.Code
		return e
	default:
		return Internal()
	}
}
