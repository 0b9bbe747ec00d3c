package db

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the store circuit breaker.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// NewBreaker creates a circuit breaker that trips after ConsecutiveFailures
// infrastructure errors in a row. Business errors count as successes.
func NewBreaker(s BreakerSettings, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	if s.Name == "" {
		s.Name = "PostgreSQL"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 10 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return !isInfrastructure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Error().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}
