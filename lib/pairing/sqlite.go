// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/devbridge/lib/sqlitepool"
)

var sqliteSchema = []string{
	`CREATE TABLE pairings (
		fingerprint  TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		public_key   BLOB NOT NULL,
		paired_at    INTEGER NOT NULL
	);`,
}

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("pairing sqlite store: path is required")
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 2,
		Schema:   sqliteSchema,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{pool: pool}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (Record, bool, error) {
	var (
		record Record
		found  bool
	)
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT fingerprint, display_name, public_key, paired_at FROM pairings WHERE fingerprint = ?`,
			&sqlitex.ExecOptions{
				Args: []any{fingerprint},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record = scanRecord(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("reading pairing %s: %w", fingerprint, err)
	}
	return record, found, nil
}

func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO pairings (fingerprint, display_name, public_key, paired_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(fingerprint) DO UPDATE SET
			   display_name = excluded.display_name,
			   public_key = excluded.public_key,
			   paired_at = excluded.paired_at`,
			&sqlitex.ExecOptions{
				Args: []any{r.Fingerprint, r.DisplayName, r.PublicKey, r.PairedAt.UnixNano()},
			})
	})
	if err != nil {
		return fmt.Errorf("storing pairing %s: %w", r.Fingerprint, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, fingerprint string) (bool, error) {
	var removed bool
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM pairings WHERE fingerprint = ?`,
			&sqlitex.ExecOptions{Args: []any{fingerprint}})
		removed = conn.Changes() > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("removing pairing %s: %w", fingerprint, err)
	}
	return removed, nil
}

func (s *SQLiteStore) RemoveAll(ctx context.Context) (int, error) {
	var removed int
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM pairings`, nil)
		removed = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("removing all pairings: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT fingerprint, display_name, public_key, paired_at FROM pairings ORDER BY fingerprint`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, scanRecord(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("listing pairings: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *SQLiteStore) Close() error { return s.pool.Close() }

func scanRecord(stmt *sqlite.Stmt) Record {
	publicKey := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, publicKey)
	return Record{
		Fingerprint: stmt.ColumnText(0),
		DisplayName: stmt.ColumnText(1),
		PublicKey:   publicKey,
		PairedAt:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
	}
}
