// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the request/reply abstraction the bridge serves.
//
// A Transport opens a Session for a routing-key pattern. The session
// yields Requests, each carrying a key and an opaque payload, and each
// Request must be answered exactly once with Reply. Keys that fall
// outside the session's pattern never reach the handler: the transport
// answers them itself with an error envelope.
//
// Patterns are "/"-separated. A "*" chunk matches exactly one non-empty
// chunk of the key and a "**" chunk matches zero or more chunks:
//
//	forge/mailbox/**   matches forge/mailbox/alice and forge/mailbox/alice/put
//	forge/mailbox/*    matches forge/mailbox/alice only
//
// Three implementations are provided. Memory is an in-process hub used
// by tests and embedders. SocketTransport serves a CBOR protocol over a
// Unix or TCP listener with one request per connection. SocketClient
// is its caller and SocketForwarder relays requests to another
// replica's listener. Package transport/zmq serves the same requests
// over a ZeroMQ ROUTER socket.
package transport
