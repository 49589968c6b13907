// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox is the replicated state machine behind the forge
// mailbox service: per-user FIFO message queues driven by a closed set
// of commands.
//
// [Apply] is a pure function from (State, Command) to (State, Reply).
// It performs no I/O and never reads a clock. Every replica that applies
// the same command sequence from the same starting State computes the
// same States and Replies, down to the bytes of [State.Export]. Wall
// time enters the state only as a field of a command ([Put.At],
// [Consume.At], [Evict.Cutoff]), stamped by the consensus layer before
// the command is logged.
//
// # State
//
// A [State] is an immutable value. Its message and mailbox indexes are
// copy-on-write B-trees (github.com/google/btree): Apply clones them in
// O(1), mutates the clone, and returns the result. A State handed to a
// snapshot keeps describing the exact log prefix it was taken at, no
// matter how many commands are applied afterwards.
//
// Messages are ordered by (user, timestamp). The timestamp is a logical
// clock stored in the State and incremented by every Put, so it is
// strictly increasing across all mailboxes and doubles as the source of
// the message id. A mailbox whose last message is consumed is removed
// entirely: an empty mailbox and an absent one are the same State.
//
// # Commands
//
// [Command] is a sealed interface implemented by [Put], [Consume],
// [Peek], [Count], and [Evict]. Adding an operation means adding a type
// here, a case in Apply, a wire op in [EncodeCommand] and
// [DecodeCommand], and (for caller-visible operations) a route in
// package router. Apply panics on a command type it does not know.
package mailbox
