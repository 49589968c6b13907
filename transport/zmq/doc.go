// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package zmq serves mailbox requests over a ZeroMQ ROUTER socket.
//
// Clients use REQ sockets. A request is one msgpack-encoded Envelope
// frame; the reply is one frame holding the JSON reply envelope. The
// ROUTER socket is owned by a single goroutine that polls it alongside
// an inproc PULL socket carrying replies from handler goroutines, so no
// socket is touched concurrently.
package zmq
