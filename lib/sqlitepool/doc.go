// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a small pool of SQLite connections
// (zombiezen.com/go/sqlite, pure Go via modernc) configured for a
// long-running daemon: WAL journaling, a busy timeout so concurrent
// writers queue instead of failing, and a versioned schema applied on
// every new connection.
//
// The agent uses it for its SQLite pairing store. Callers either
// Take/Put connections directly or use WithConn:
//
//	err := pool.WithConn(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM pairings", nil)
//	})
package sqlitepool
