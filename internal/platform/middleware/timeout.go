package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on every request context. Store calls made
// with that context are cancelled, and their transaction rolled back, once it
// expires; the caller then receives 504 unless a response was already written.
//
// skip exempts routes (the metrics scrape, for instance). It may be nil.
func RequestTimeout(timeout time.Duration, skip func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || (skip != nil && skip(c)) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return NewHTTPError(http.StatusGatewayTimeout, "timeout", "request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
