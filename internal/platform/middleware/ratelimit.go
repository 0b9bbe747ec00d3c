package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/ehr/triage/internal/platform/auth"
)

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn drops idle client buckets.
	ExpiresIn time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		ExpiresIn:         3 * time.Minute,
	}
}

// RateLimit limits requests per client, keyed on the authenticated subject
// when present and on the client IP otherwise. It must run after the auth
// middleware to see the subject.
func RateLimit(cfg RateLimitConfig, skip echomw.Skipper) echo.MiddlewareFunc {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RequestsPerSecond)
	}
	if skip == nil {
		skip = echomw.DefaultSkipper
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: skip,
		Store:   store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if sub := auth.UserIDFromContext(c.Request().Context()); sub != "" {
				return "user:" + sub, nil
			}
			return "ip:" + c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return NewHTTPError(http.StatusForbidden, "forbidden", "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return NewHTTPError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		},
	})
}
