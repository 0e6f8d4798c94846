// Package storage opens the SQLite database shared by the ledger, budgets,
// audit log and learning state.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at dbPath with WAL journaling and a
// busy timeout. A single connection is kept so that SQLite write
// transactions never race each other for the lock.
func Open(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Migrate runs each statement in order. Statements must be idempotent.
func Migrate(ctx context.Context, db *sql.DB, stmts ...string) error {
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on any error.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Timestamps are stored as UTC unix nanoseconds so range predicates compare
// numerically.

// Nanos converts t to its stored form.
func Nanos(t time.Time) int64 { return t.UTC().UnixNano() }

// Time converts a stored timestamp back to UTC time.
func Time(n int64) time.Time { return time.Unix(0, n).UTC() }

// NullNanos converts an optional time to its stored form.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Nanos(*t), Valid: true}
}

// NullTime converts an optional stored timestamp back to time.
func NullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := Time(n.Int64)
	return &t
}
