// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Mailboxctl sends one mailbox request to a forge-mailbox bridge and
// prints the reply envelope.
//
//	mailboxctl [--address URL] [--timeout D] <put|consume|peek|count> <user> [payload]
//
// The address is unix:///path or tcp://host:port for the socket
// transport, or zmq+tcp://host:port for the ZeroMQ transport. A put
// without a payload argument (or with "-") reads the payload from
// stdin. The reply is pretty-printed when stdout is a terminal. The
// exit code is 1 when the reply is an error envelope or the request
// could not be delivered.
package main
