// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/mailbox/mailbox"
)

// Namespace is the key prefix every mailbox routing key carries.
const Namespace = "forge/mailbox"

// DefaultOperation is used when a key names no operation.
const DefaultOperation = mailbox.OpConsume

var (
	// ErrInvalidKey reports a key outside the mailbox grammar: wrong
	// namespace, empty user id, or extra path segments.
	ErrInvalidKey = errors.New("invalid routing key")

	// ErrUnknownOperation reports an operation segment that is not
	// put, consume, peek, or count.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrMissingPayload reports a put with an empty payload.
	ErrMissingPayload = errors.New("missing payload")
)

// Error is a routing failure. Kind is one of the package sentinels and
// is matched by errors.Is.
type Error struct {
	Kind   error
	Key    string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %q", e.Kind, e.Key)
	}
	return fmt.Sprintf("%v: %q: %s", e.Kind, e.Key, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }

var operations = map[string]mailbox.Op{
	"put":     mailbox.OpPut,
	"consume": mailbox.OpConsume,
	"peek":    mailbox.OpPeek,
	"count":   mailbox.OpCount,
}

// Route parses key and builds the command it names. The payload is
// copied into Put commands and ignored otherwise.
func Route(key string, payload []byte) (mailbox.Command, error) {
	user, op, err := Parse(key)
	if err != nil {
		return nil, err
	}

	switch op {
	case mailbox.OpPut:
		if len(payload) == 0 {
			return nil, &Error{Kind: ErrMissingPayload, Key: key, Detail: "put requires a payload"}
		}
		return mailbox.Put{User: user, Payload: bytes.Clone(payload)}, nil
	case mailbox.OpConsume:
		return mailbox.Consume{User: user}, nil
	case mailbox.OpPeek:
		return mailbox.Peek{User: user}, nil
	default:
		return mailbox.Count{User: user}, nil
	}
}

// Parse splits key into its user id and operation without building a
// command.
func Parse(key string) (user string, op mailbox.Op, err error) {
	rest, ok := strings.CutPrefix(key, Namespace+"/")
	if !ok {
		return "", 0, &Error{Kind: ErrInvalidKey, Key: key, Detail: "expected prefix " + Namespace + "/"}
	}

	segments := strings.Split(rest, "/")
	if len(segments) > 2 {
		return "", 0, &Error{Kind: ErrInvalidKey, Key: key, Detail: "too many segments"}
	}
	user = segments[0]
	if user == "" {
		return "", 0, &Error{Kind: ErrInvalidKey, Key: key, Detail: "empty user id"}
	}
	if len(segments) == 1 {
		return user, DefaultOperation, nil
	}

	op, known := operations[segments[1]]
	if !known {
		return "", 0, &Error{Kind: ErrUnknownOperation, Key: key, Detail: fmt.Sprintf("operation %q", segments[1])}
	}
	return user, op, nil
}

// Key builds the routing key for op on user's mailbox. It returns an
// error for operations that are not routable.
func Key(user string, op mailbox.Op) (string, error) {
	if user == "" || strings.Contains(user, "/") {
		return "", fmt.Errorf("user id %q: %w", user, ErrInvalidKey)
	}
	if _, routable := operations[op.String()]; !routable {
		return "", fmt.Errorf("%s: %w", op, ErrUnknownOperation)
	}
	return Namespace + "/" + user + "/" + op.String(), nil
}

// ParseOperation maps an operation name to its Op.
func ParseOperation(name string) (mailbox.Op, error) {
	op, known := operations[name]
	if !known {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownOperation)
	}
	return op, nil
}
