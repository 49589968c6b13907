// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package consensus replicates mailbox commands with Raft.
//
// A Node wraps a hashicorp/raft instance whose finite state machine is
// the mailbox state machine. Every command, including the read-only
// peek and count, is appended to the replicated log and answered only
// after it has been committed by a quorum and applied, so replies are
// linearizable. Only the leader accepts commands; followers fail fast
// with *NotLeaderError naming the leader they know about.
//
// Production nodes persist the Raft log and stable state in SQLite
// (Store, tables raft_log and raft_stable, synchronous=FULL), keep
// zstd-compressed snapshots under <data_dir>/snapshots, and hold an
// exclusive flock on <data_dir>/LOCK for their lifetime. Tests inject
// raft's in-memory transport and stores through Config.
//
// Submit errors fall into a small taxonomy that the bridge turns into
// reply reasons:
//
//   - *NotLeaderError: the command was not appended; retry at the leader.
//   - ErrTimeout: the deadline passed; the outcome may be unknown.
//   - ErrUnavailable: the group could not commit (leadership lost,
//     shutdown); the outcome is unknown and never reported as success.
//   - ErrInternal: a replica could not decode a committed entry.
//
// Janitor runs on every node and, while the node leads, periodically
// submits an Evict command that removes mailboxes idle for longer than
// the configured TTL.
package consensus
