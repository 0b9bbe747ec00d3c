package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500. Any open transaction is rolled
// back by the deferred rollback in db.TxManager before the panic reaches here.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				// The server relies on this panic to abort the response.
				if r == http.ErrAbortHandler {
					panic(r)
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = NewHTTPError(http.StatusInternalServerError, "internal", "internal server error")
			}()
			return next(c)
		}
	}
}
