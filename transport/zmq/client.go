// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package zmq

import (
	"context"
	"fmt"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultTimeout applies when the caller's context has no deadline.
const defaultTimeout = 45 * time.Second

// Client sends requests over a fresh REQ socket per call.
type Client struct {
	endpoint string
}

// NewClient returns a client for a ROUTER endpoint such as
// "tcp://127.0.0.1:7401".
func NewClient(endpoint string) *Client {
	return &Client{endpoint: endpoint}
}

// Call sends key and payload and returns the raw reply envelope.
func (c *Client) Call(ctx context.Context, key string, payload []byte) ([]byte, error) {
	return send(ctx, c.endpoint, Envelope{Key: key, Payload: payload})
}

// Forwarder relays requests to the ROUTER endpoints of other replicas.
type Forwarder struct{}

// Forward sends the request to endpoint, marking it as forwarded so the
// receiver does not relay it again.
func (Forwarder) Forward(ctx context.Context, endpoint, key string, payload []byte) ([]byte, error) {
	return send(ctx, endpoint, Envelope{Key: key, Payload: payload, Forwarded: true})
}

func send(ctx context.Context, endpoint string, envelope Envelope) ([]byte, error) {
	body, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("zmq: encoding request: %w", err)
	}

	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, fmt.Errorf("zmq: creating request socket: %w", err)
	}
	defer socket.Close()
	socket.SetLinger(0)
	socket.SetSndtimeo(timeout)
	socket.SetRcvtimeo(timeout)

	if err := socket.Connect(endpoint); err != nil {
		return nil, fmt.Errorf("zmq: connecting to %s: %w", endpoint, err)
	}
	if _, err := socket.SendBytes(body, 0); err != nil {
		return nil, fmt.Errorf("zmq: sending request: %w", err)
	}
	data, err := socket.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("zmq: reading reply from %s: %w", endpoint, err)
	}
	return data, nil
}
