package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPError builds an echo error whose body carries a stable code.
func NewHTTPError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, ErrorBody{Code: code, Message: message})
}

// CodeForStatus is the fallback code for errors raised without one, such as
// the router's 404 or the rate limiter's 429.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusUnprocessableEntity:
		return "invalid_input"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	}
	return "internal"
}

// ErrorHandler renders errors as ErrorBody. Errors that are not *echo.HTTPError
// are logged and hidden behind a generic 500.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorBody{Code: "internal", Message: "internal server error"}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch m := he.Message.(type) {
			case ErrorBody:
				body = m
			case string:
				body = ErrorBody{Code: CodeForStatus(status), Message: m}
			default:
				body = ErrorBody{Code: CodeForStatus(status), Message: http.StatusText(status)}
			}
		} else {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
