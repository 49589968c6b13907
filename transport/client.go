// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/mailbox/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout applies when the caller's context has no
// deadline. It matches the server's read and write timeouts plus
// handler time.
const responseReadTimeout = 45 * time.Second

// maxResponseSize bounds a single reply.
const maxResponseSize = 1024 * 1024

// SocketClient sends requests to a SocketTransport. Each Call opens a
// new connection, matching the server's one-request-per-connection
// model.
type SocketClient struct {
	network string
	address string
}

// NewSocketClient returns a client for network ("unix" or "tcp") and
// address.
func NewSocketClient(network, address string) *SocketClient {
	return &SocketClient{network: network, address: address}
}

// DialAddress returns a client for a "unix://" or "tcp://" address.
func DialAddress(address string) (*SocketClient, error) {
	network, target, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return NewSocketClient(network, target), nil
}

// Call sends key and payload and returns the raw reply envelope.
func (c *SocketClient) Call(ctx context.Context, key string, payload []byte) ([]byte, error) {
	return c.send(ctx, Frame{Key: key, Payload: payload})
}

// SocketForwarder relays requests to the socket transports of other
// replicas, addressed as "unix://" or "tcp://" URLs.
type SocketForwarder struct{}

// Forward sends the request to the replica at address, marking it as
// forwarded so the receiver does not relay it again.
func (SocketForwarder) Forward(ctx context.Context, address, key string, payload []byte) ([]byte, error) {
	target, err := DialAddress(address)
	if err != nil {
		return nil, err
	}
	return target.send(ctx, Frame{Key: key, Payload: payload, Forwarded: true})
}

func (c *SocketClient) send(ctx context.Context, frame Frame) ([]byte, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s %s: %w", c.network, c.address, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(responseReadTimeout)
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(frame); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// CBOR is self-delimiting, but half-closing lets the server see a
	// clean EOF.
	switch typed := conn.(type) {
	case *net.UnixConn:
		typed.CloseWrite()
	case *net.TCPConn:
		typed.CloseWrite()
	}

	var data []byte
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&data); err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	return data, nil
}
