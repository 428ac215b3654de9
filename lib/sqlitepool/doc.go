// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides skycal's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite with a fixed set of pragmas (WAL
// journal, busy timeout, in-memory temp store) and lets the caller
// choose the synchronous level. The checkpoint ledger asks for FULL,
// because a step marked done must survive power loss. Scratch
// databases in tests can use NORMAL.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:        filepath.Join(stateDir, "ledger.db"),
//	    PoolSize:    2,
//	    Synchronous: sqlitepool.SynchronousFull,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//
// Callers Take a connection, do their work, and Put it back.
// Connections are not safe for concurrent use. Queries go through
// sqlitex.Execute and transactions through sqlitex.ImmediateTransaction;
// this package does not wrap either.
package sqlitepool
