package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestSavepoint_WithoutTransactionRunsDirectly(t *testing.T) {
	called := false
	err := Savepoint(context.Background(), func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) != nil {
			t.Error("expected no transaction in context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestTxManager_RunClassifiesErrors(t *testing.T) {
	m := NewTxManager(nil, nil)

	err := m.Run(context.Background(), func(ctx context.Context) error {
		return &pgconn.PgError{Code: "08006"}
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	business := errors.New("not found")
	err = m.Run(context.Background(), func(ctx context.Context) error { return business })
	if !errors.Is(err, business) || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected business error untouched, got %v", err)
	}
}

func TestTxManager_BreakerOpensOnInfrastructureFailures(t *testing.T) {
	breaker := NewBreaker(BreakerSettings{ConsecutiveFailures: 2}, zerolog.Nop())
	m := NewTxManager(nil, breaker)
	ctx := context.Background()

	down := func(ctx context.Context) error { return &pgconn.PgError{Code: "08001"} }
	for i := 0; i < 2; i++ {
		if err := m.Run(ctx, down); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: expected ErrUnavailable, got %v", i, err)
		}
	}

	called := false
	err := m.Run(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("expected open breaker to short-circuit the call")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open breaker, got %v", err)
	}
}

func TestTxManager_BusinessErrorsDoNotTripBreaker(t *testing.T) {
	breaker := NewBreaker(BreakerSettings{ConsecutiveFailures: 2}, zerolog.Nop())
	m := NewTxManager(nil, breaker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = m.Run(ctx, func(ctx context.Context) error { return errors.New("forbidden") })
	}

	called := false
	if err := m.Run(ctx, func(ctx context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected breaker to stay closed")
	}
}
