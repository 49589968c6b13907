// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the mailbox service's CBOR encoding configuration.
//
// Two serialization formats meet at a clear boundary:
//
//   - JSON for the caller-facing reply envelope (see package reply) and
//     CLI output.
//   - CBOR for everything replicas or peers exchange: commands in the
//     raft log, state machine snapshots, and the socket transport
//     request frame.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// state machine depends on this. Two replicas that applied the same log
// prefix export the same snapshot value, and deterministic encoding turns
// that into the same bytes, which is what the state fingerprint hashes.
//
// For buffer-oriented operations (log entries, snapshots):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// A `cbor` tag marks a type that is only ever CBOR (log entries,
// snapshots, socket frames). A `json` tag marks a type that may be both;
// fxamacker/cbor v2 reads `json` tags when `cbor` tags are absent. Never
// put both tags on the same field.
package codec
