// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is used when Config.PoolSize is not positive. Writes
// serialize in SQLite regardless, so a handful of connections covers
// concurrent readers.
const DefaultPoolSize = 4

// Config holds the parameters for opening a pool.
type Config struct {
	// Path is the database file. The parent directory must exist. Use
	// "file::memory:?mode=memory&cache=shared" for a shared in-memory
	// database in tests.
	Path string

	// PoolSize is the number of connections. Defaults to
	// DefaultPoolSize.
	PoolSize int

	// Schema is a list of migrations. Migration i moves the database
	// from user_version i to i+1; migrations already recorded in
	// user_version are skipped.
	Schema []string

	// Logger receives open/close messages. Nil discards them.
	Logger *slog.Logger
}

// Pool is a fixed-size pool of prepared SQLite connections. It is safe
// for concurrent use; individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Connections are prepared lazily on first Take.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.Schema)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx ends.
// The caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// WithConn runs fn with a borrowed connection and returns it to the
// pool afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Close closes every connection, waiting for borrowed ones to return.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, schema []string) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return migrate(conn, schema)
}

// migrate applies the migrations newer than the database's
// user_version inside one immediate transaction, so two connections
// preparing at once cannot both apply the same step.
func migrate(conn *sqlite.Conn, schema []string) (err error) {
	if len(schema) == 0 {
		return nil
	}
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin migration: %w", err)
	}
	defer endTransaction(&err)

	version, err := UserVersion(conn)
	if err != nil {
		return err
	}
	for step := version; step < len(schema); step++ {
		if err := sqlitex.ExecuteScript(conn, schema[step], nil); err != nil {
			return fmt.Errorf("sqlitepool: migration %d: %w", step+1, err)
		}
	}
	if version < len(schema) {
		pragma := fmt.Sprintf("PRAGMA user_version=%d", len(schema))
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}

// UserVersion returns the database's user_version pragma.
func UserVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}
