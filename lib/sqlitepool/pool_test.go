// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mailbox/lib/sqlitepool"
)

func TestPragmas(t *testing.T) {
	tests := []struct {
		name        string
		durability  sqlitepool.Durability
		synchronous int
	}{
		{"normal", sqlitepool.DurabilityNormal, 1},
		{"full", sqlitepool.DurabilityFull, 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pool := openTestPool(t, test.durability, nil)

			conn, err := pool.Take(context.Background())
			if err != nil {
				t.Fatalf("Take: %v", err)
			}
			defer pool.Put(conn)

			if got := queryText(t, conn, "PRAGMA journal_mode"); got != "wal" {
				t.Errorf("journal_mode = %q, want wal", got)
			}
			var synchronous int
			err = sqlitex.Execute(conn, "PRAGMA synchronous", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					synchronous = stmt.ColumnInt(0)
					return nil
				},
			})
			if err != nil {
				t.Fatalf("PRAGMA synchronous: %v", err)
			}
			if synchronous != test.synchronous {
				t.Errorf("synchronous = %d, want %d", synchronous, test.synchronous)
			}
		})
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	pool := openTestPool(t, sqlitepool.DurabilityFull, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS entries (idx INTEGER PRIMARY KEY, data BLOB);
		`, nil)
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO entries (idx, data) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{1, []byte("put alice")},
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestTakeHonorsCancelledContext(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func openTestPool(t *testing.T, durability sqlitepool.Durability, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       filepath.Join(t.TempDir(), "test.db"),
		PoolSize:   2,
		Durability: durability,
		OnConnect:  onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func queryText(t *testing.T, conn *sqlite.Conn, query string) string {
	t.Helper()
	var result string
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return result
}
