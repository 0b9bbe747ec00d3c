package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/sony/gobreaker"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the readiness payload.
type HealthReport struct {
	Status  string     `json:"status"`
	Code    string     `json:"code,omitempty"`
	Error   string     `json:"error,omitempty"`
	Breaker string     `json:"breaker,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// Check pings the store with a bounded timeout. A failure is always reported
// as ErrUnavailable so callers can tell it apart from business errors.
func Check(ctx context.Context, p Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Classify(&unreachableError{err: err})
	}
	return nil
}

type unreachableError struct{ err error }

func (e *unreachableError) Error() string { return "ping: " + e.err.Error() }
func (e *unreachableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}

// HealthHandler returns the readiness endpoint. pool may be nil in tests, in
// which case only the ping result is reported.
func HealthHandler(p Pinger, pool *pgxpool.Pool, breaker *gobreaker.CircuitBreaker) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := HealthReport{Status: "healthy"}
		if pool != nil {
			report.Pool = GetPoolStats(pool)
		}
		if breaker != nil {
			report.Breaker = breaker.State().String()
		}

		if err := Check(c.Request().Context(), p, 5*time.Second); err != nil {
			report.Status = "unhealthy"
			report.Code = "unavailable"
			report.Error = err.Error()
			if report.Pool != nil {
				report.Pool.Healthy = false
			}
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
