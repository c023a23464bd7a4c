// Package store implements the relational persistence layer: orders,
// the outbox, the per-worker-kind dedup ledger, and the dead-letter sink.
// It follows a database-client abstraction: callers either issue a
// one-shot statement through a Querier, or wrap a
// sequence of statements in WithTransaction, which guarantees rollback on
// any returned error and never leaks the *sql.Tx beyond the callback.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repository code
// can run against either an autocommit connection or an open
// transaction without branching on which one it has.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB wraps a *sql.DB connection pool and is itself a Querier, so simple
// callers never need to know a transaction exists.
type DB struct {
	sql *sql.DB
}

// Open opens a connection pool for the given driver/DSN. driverName is
// "postgres" in production and "sqlite3" in tests (store_test.go), since
// the repository SQL below avoids any dialect-specific syntax.
func Open(driverName, dsn string, maxOpen, maxIdle int) (*DB, error) {
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	return &DB{sql: sqlDB}, nil
}

func (db *DB) Ping(ctx context.Context) error { return db.sql.PingContext(ctx) }
func (db *DB) Close() error                   { return db.sql.Close() }

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.sql.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.sql.QueryRowContext(ctx, query, args...)
}

// WithTransaction runs fn against a fresh transaction, committing on nil
// return and rolling back otherwise — including on panic, which it
// re-panics after rollback. The *sql.Tx never escapes this function.
func (db *DB) WithTransaction(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
