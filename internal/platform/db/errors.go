package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
)

// ErrUnavailable marks failures of the store itself (unreachable, timed out,
// circuit open) as opposed to business rule violations.
var ErrUnavailable = errors.New("database unavailable")

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation. When
// constraint is non-empty the violated constraint name must match as well.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isInfrastructure decides whether err says something about the store rather
// than about the data.
func isInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P: operator intervention (shutdown, cancel by admin)
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P")
	}
	return false
}

// Classify wraps infrastructure failures with ErrUnavailable and returns all
// other errors untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isInfrastructure(err) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}
