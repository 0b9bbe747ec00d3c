package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/auth"
)

// Logger writes one access line per request. The level follows the outcome:
// info for success, warn for client errors, error for server errors.
// A logger carrying the request id is attached to the request context and is
// available to handlers through zerolog.Ctx.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			reqLogger := logger.With().Str("request_id", rid).Logger()
			c.SetRequest(c.Request().WithContext(reqLogger.WithContext(c.Request().Context())))

			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if err != nil {
				status = statusOf(err)
			}

			var evt *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				evt = reqLogger.Error().Err(err)
			case status >= http.StatusBadRequest:
				evt = reqLogger.Warn().Err(err)
			default:
				evt = reqLogger.Info()
			}

			actor := auth.ActorFromContext(req.Context())
			evt.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("user", actor.Subject).
				Str("role", string(actor.Role)).
				Msg("request")

			return err
		}
	}
}

// statusOf is the status the error handler will answer with.
func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
