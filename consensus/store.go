// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mailbox/lib/sqlitepool"
)

// ErrKeyNotFound is returned by Store.Get and Store.GetUint64 for a
// missing key. raft recognizes missing stable keys by this exact text.
var ErrKeyNotFound = errors.New("not found")

const storeSchema = `
CREATE TABLE IF NOT EXISTS raft_log (
	idx         INTEGER PRIMARY KEY,
	term        INTEGER NOT NULL,
	type        INTEGER NOT NULL,
	data        BLOB,
	extensions  BLOB,
	appended_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS raft_stable (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Store is a SQLite-backed raft.LogStore and raft.StableStore. Every
// commit is fsynced (synchronous=FULL): a vote or log entry that raft
// believes durable must survive power loss.
type Store struct {
	pool *sqlitepool.Pool
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.StableStore = (*Store)(nil)
)

// OpenStore opens or creates the database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:       path,
		PoolSize:   2,
		Durability: sqlitepool.DurabilityFull,
		Logger:     logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, storeSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening raft store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// withConn runs fn on a pooled connection. raft's storage interfaces
// carry no context, so connections are taken without a deadline.
func (s *Store) withConn(fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *Store) FirstIndex() (uint64, error) {
	return s.boundIndex("SELECT MIN(idx) FROM raft_log")
}

func (s *Store) LastIndex() (uint64, error) {
	return s.boundIndex("SELECT MAX(idx) FROM raft_log")
}

// boundIndex runs a MIN or MAX query. Both yield NULL, read as zero,
// on an empty log.
func (s *Store) boundIndex(query string) (uint64, error) {
	var index int64
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("raft store: reading log bounds: %w", err)
	}
	return uint64(index), nil
}

func (s *Store) GetLog(index uint64, log *raft.Log) error {
	found := false
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT term, type, data, extensions, appended_at FROM raft_log WHERE idx = ?",
			&sqlitex.ExecOptions{
				Args: []any{int64(index)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					log.Index = index
					log.Term = uint64(stmt.ColumnInt64(0))
					log.Type = raft.LogType(stmt.ColumnInt64(1))
					log.Data = columnBlob(stmt, 2)
					log.Extensions = columnBlob(stmt, 3)
					log.AppendedAt = time.Unix(0, stmt.ColumnInt64(4))
					return nil
				},
			})
	})
	if err != nil {
		return fmt.Errorf("raft store: reading log %d: %w", index, err)
	}
	if !found {
		return raft.ErrLogNotFound
	}
	return nil
}

// columnBlob copies a BLOB column. NULL reads as nil.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}

func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs writes logs in one transaction, replacing entries at the
// same indexes.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	err := s.withConn(func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		for _, log := range logs {
			if err := sqlitex.Execute(conn,
				`INSERT OR REPLACE INTO raft_log (idx, term, type, data, extensions, appended_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{
					Args: []any{
						int64(log.Index),
						int64(log.Term),
						int64(log.Type),
						log.Data,
						log.Extensions,
						log.AppendedAt.UnixNano(),
					},
				}); err != nil {
				return fmt.Errorf("log %d: %w", log.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("raft store: storing %d logs: %w", len(logs), err)
	}
	return nil
}

// DeleteRange removes logs with indexes in [min, max].
func (s *Store) DeleteRange(min, max uint64) error {
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM raft_log WHERE idx BETWEEN ? AND ?",
			&sqlitex.ExecOptions{Args: []any{int64(min), int64(max)}})
	})
	if err != nil {
		return fmt.Errorf("raft store: deleting logs %d-%d: %w", min, max, err)
	}
	return nil
}

func (s *Store) Set(key []byte, value []byte) error {
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT OR REPLACE INTO raft_stable (key, value) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, value}})
	})
	if err != nil {
		return fmt.Errorf("raft store: setting %q: %w", key, err)
	}
	return nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	found := false
	err := s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM raft_stable WHERE key = ?",
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					value = columnBlob(stmt, 0)
					if value == nil {
						value = []byte{}
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("raft store: getting %q: %w", key, err)
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) SetUint64(key []byte, value uint64) error {
	return s.Set(key, binary.BigEndian.AppendUint64(nil, value))
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	value, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("raft store: value of %q is %d bytes, want 8", key, len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}
