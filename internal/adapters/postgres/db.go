package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// SQLSTATE codes a unit of work may fail with while competing for rows
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

// DefaultLockTimeout bounds how long a unit of work waits for a subscription
// row another worker holds.
const DefaultLockTimeout = 5 * time.Second

// txStarter is the part of the pool used to open transactions
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DBExecutor opens the transactions billing units of work run in
type DBExecutor struct {
	conn        txStarter
	lockTimeout time.Duration
}

var _ ports.DBPort = (*DBExecutor)(nil)

// NewDBExecutor creates an executor on pool using DefaultLockTimeout
func NewDBExecutor(pool *pgxpool.Pool) *DBExecutor {
	return &DBExecutor{conn: pool, lockTimeout: DefaultLockTimeout}
}

// WithLockTimeout changes the row lock wait. Zero waits indefinitely.
func (db *DBExecutor) WithLockTimeout(d time.Duration) *DBExecutor {
	db.lockTimeout = d
	return db
}

// WithTransaction executes fn within a database transaction.
// Subscription rows locked by the store stay locked until fn returns. Lock
// contention comes back as a persistence error so sweeps retry the item later.
func (db *DBExecutor) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if db.lockTimeout > 0 {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return contention(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return contention(fmt.Errorf("commit transaction: %w", err))
	}

	return nil
}

// contention wraps lock and serialization failures in a persistence error;
// every other error is returned unchanged.
func contention(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerializationFailure:
		if _, ok := err.(*domain.DomainError); ok {
			return err
		}
		return domain.NewPersistenceError("row contention", err).WithDetail("sqlstate", pgErr.Code)
	}
	return err
}
