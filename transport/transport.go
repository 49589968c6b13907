// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Transport opens request sessions.
type Transport interface {
	// Open starts receiving requests whose keys match pattern. It
	// fails fast if the underlying listener cannot be established.
	Open(ctx context.Context, pattern string) (Session, error)
}

// Session is a live registration for a key pattern.
type Session interface {
	// Receive blocks until the next request arrives, the session
	// dies, or ctx is done. After Close it returns ErrSessionClosed.
	Receive(ctx context.Context) (Request, error)

	// Close stops accepting requests. Requests already returned by
	// Receive may still be answered.
	Close() error
}

// Request is one inbound request. Reply must be called exactly once;
// later calls return ErrAlreadyReplied.
type Request interface {
	Key() string
	Payload() []byte

	// Forwarded reports whether another replica already relayed this
	// request. Forwarded requests are never forwarded again.
	Forwarded() bool

	Reply(data []byte) error
}

// Caller sends one request and returns the raw reply.
type Caller interface {
	Call(ctx context.Context, key string, payload []byte) ([]byte, error)
}

var (
	// ErrSessionClosed is returned by Receive after Close.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrAlreadyReplied is returned by a second Reply on one request.
	ErrAlreadyReplied = errors.New("transport: request already answered")
)

// Match reports whether key matches pattern.
func Match(pattern, key string) bool {
	return matchChunks(strings.Split(pattern, "/"), strings.Split(key, "/"))
}

func matchChunks(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "**":
			for skip := 0; skip <= len(key); skip++ {
				if matchChunks(pattern[1:], key[skip:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 || key[0] == "" {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// noHandlerReason is the error reason for keys outside a session's
// pattern.
func noHandlerReason(key string) string {
	return fmt.Sprintf("no handler for key %q", key)
}
