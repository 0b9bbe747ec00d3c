package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
)

// Queryable is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txKey struct{}

// TxFromContext returns the transaction started by TxManager.InTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func withTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Conn picks the transaction carried by ctx, falling back to the pool.
// Repositories call it for every statement so they join the caller's unit of work.
func Conn(ctx context.Context, pool *pgxpool.Pool) Queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// TxManager runs units of work against the pool, optionally behind a circuit
// breaker. Errors leaving it are passed through Classify.
type TxManager struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
}

func NewTxManager(pool *pgxpool.Pool, breaker *gobreaker.CircuitBreaker) *TxManager {
	return &TxManager{pool: pool, breaker: breaker}
}

// InTx runs fn inside a read-committed transaction. The transaction commits
// only if fn returns nil; errors, panics and context cancellation roll it back.
// Nested calls join the outer transaction.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.guard(func() error {
		if TxFromContext(ctx) != nil {
			return fn(ctx)
		}

		tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		// No-op after a successful commit.
		defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

		if err := fn(withTx(ctx, tx)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// Run executes fn outside a transaction but behind the same breaker.
func (m *TxManager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.guard(func() error { return fn(ctx) })
}

func (m *TxManager) guard(fn func() error) error {
	if m.breaker == nil {
		return Classify(fn())
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return Classify(err)
}

// Savepoint runs fn in a nested transaction when ctx carries one, so that a
// failing statement can be undone without aborting the outer transaction.
func Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return fn(ctx)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(withTx(ctx, sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint: %w (after %v)", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
