// Package db opens the SQLite databases behind the archive store and the
// client journal and keeps their schemas current.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/arcsync/arcsync/internal/utils"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

var ErrNewerSchema = errors.New("database was written by a newer arcsync")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=NORMAL",
}

type options struct {
	migrations []string
	maxConns   int
}

type Option func(*options)

// Migrations are applied in order, each at most once. The count applied is
// kept in PRAGMA user_version, so new steps must only ever be appended.
func Migrations(stmts ...string) Option {
	return func(o *options) {
		o.migrations = append(o.migrations, stmts...)
	}
}

// SingleConn serializes all access through one connection.
func SingleConn() Option {
	return func(o *options) {
		o.maxConns = 1
	}
}

// Open opens or creates the database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*sqlx.DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dsn := Memory
	if path == Memory {
		// each connection to :memory: would see its own database
		o.maxConns = 1
	} else {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
		dsn = "file:" + path + "?_txlock=immediate&mode=rwc"
	}

	conn, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open %s: %w", path, err)
	}
	if o.maxConns > 0 {
		conn.SetMaxOpenConns(o.maxConns)
	}
	conn.SetMaxIdleConns(2)

	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("db %q: %w", p, err)
		}
	}
	if err := migrate(ctx, conn, o.migrations); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Debug("db opened", "driver", driverPackage, "path", path, "schema", len(o.migrations))
	return conn, nil
}

func migrate(ctx context.Context, conn *sqlx.DB, steps []string) error {
	var current int
	if err := conn.GetContext(ctx, &current, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("db schema version: %w", err)
	}
	if current > len(steps) {
		return fmt.Errorf("%w: schema %d, supported %d", ErrNewerSchema, current, len(steps))
	}
	for i := current; i < len(steps); i++ {
		err := InTx(ctx, conn, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("db migrate to %d: %w", i+1, err)
		}
	}
	return nil
}

// InTx runs fn in a transaction that commits when fn returns nil.
func InTx(ctx context.Context, conn *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := conn.BeginTxx(ctx, nil)
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
