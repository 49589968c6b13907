// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with fixed
// pragmas, built on zombiezen.com/go/sqlite.
//
// The consensus package stores the raft log and raft's stable state
// (current term, vote) in SQLite through this pool. Callers [Pool.Take]
// a connection, work, and [Pool.Put] it back. Connections are not safe
// for concurrent use.
//
// # Durability
//
// [Config].Durability selects the synchronous pragma:
//
//   - [DurabilityFull] (synchronous=FULL): every commit is fsynced
//     before it returns. Required for the raft log, because raft
//     acknowledges an entry to the leader only after it is stored, and a
//     quorum must not forget an entry it acknowledged after a power loss.
//   - [DurabilityNormal] (synchronous=NORMAL): survives process crashes
//     but not OS crashes. Fine for caches and diagnostics.
//
// Every connection also gets journal_mode=WAL, busy_timeout=5000,
// foreign_keys=OFF, cache_size=-8192, and temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:       filepath.Join(dataDir, "raft.db"),
//	    PoolSize:   4,
//	    Durability: sqlitepool.DurabilityFull,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
package sqlitepool
