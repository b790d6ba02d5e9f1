package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HTTPErrorHandler renders apperr and echo errors as ErrorBody. Unclassified
// errors become a 500 without leaking their text; they are logged instead.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}
		if status == http.StatusServiceUnavailable && body.Retryable {
			c.Response().Header().Set("Retry-After", "1")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}

func classify(err error) (int, ErrorBody) {
	if ae, ok := apperr.As(err); ok {
		body := ErrorBody{Error: ae.Message, Code: ae.Code, Retryable: ae.Retryable()}
		if ae.Kind == apperr.KindInternal {
			body.Error = "internal server error"
		}
		return ae.Status(), body
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		return he.Code, ErrorBody{Error: msg}
	}

	return http.StatusInternalServerError, ErrorBody{Error: "internal server error", Code: "internal"}
}
