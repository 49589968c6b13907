// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/mailbox/lib/codec"
)

// Op identifies a command on the wire. Values are persisted in the raft
// log; never renumber them.
type Op uint8

const (
	OpPut     Op = 1
	OpConsume Op = 2
	OpPeek    Op = 3
	OpCount   Op = 4
	OpEvict   Op = 5
)

// String returns the routing-key spelling of the operation.
func (op Op) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpConsume:
		return "consume"
	case OpPeek:
		return "peek"
	case OpCount:
		return "count"
	case OpEvict:
		return "evict"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Command is a state machine input. The interface is sealed: only the
// types in this package implement it.
type Command interface {
	Op() Op
	isCommand()
}

// Put appends Payload to the tail of User's mailbox.
type Put struct {
	User    string
	Payload []byte

	// At is the leader's wall clock when the command was proposed, in
	// Unix nanoseconds. It records mailbox activity for idle eviction.
	At int64
}

// Consume removes and returns the head of User's mailbox.
type Consume struct {
	User string
	At   int64
}

// Peek returns the head of User's mailbox without removing it.
type Peek struct {
	User string
}

// Count returns the number of messages in User's mailbox.
type Count struct {
	User string
}

// Evict removes every mailbox whose last Put or Consume happened
// strictly before Cutoff (Unix nanoseconds). It is issued by the
// leader's eviction janitor and is not reachable through routing keys.
type Evict struct {
	Cutoff int64
}

func (Put) Op() Op     { return OpPut }
func (Consume) Op() Op { return OpConsume }
func (Peek) Op() Op    { return OpPeek }
func (Count) Op() Op   { return OpCount }
func (Evict) Op() Op   { return OpEvict }

func (Put) isCommand()     {}
func (Consume) isCommand() {}
func (Peek) isCommand()    {}
func (Count) isCommand()   {}
func (Evict) isCommand()   {}

// UserOf returns the mailbox a command addresses, or "" for Evict.
func UserOf(cmd Command) string {
	switch c := cmd.(type) {
	case Put:
		return c.User
	case Consume:
		return c.User
	case Peek:
		return c.User
	case Count:
		return c.User
	default:
		return ""
	}
}

// Stamp returns cmd with its activity time set to at. Commands that do
// not record activity are returned unchanged.
func Stamp(cmd Command, at int64) Command {
	switch c := cmd.(type) {
	case Put:
		c.At = at
		return c
	case Consume:
		c.At = at
		return c
	default:
		return cmd
	}
}

// wireCommand is the CBOR form of a Command in the raft log.
type wireCommand struct {
	Op      Op     `cbor:"op"`
	User    string `cbor:"user,omitempty"`
	Payload []byte `cbor:"payload,omitempty"`
	At      int64  `cbor:"at,omitempty"`
	Cutoff  int64  `cbor:"cutoff,omitempty"`
}

// ErrMalformedCommand is returned by DecodeCommand for bytes that do
// not describe a valid command.
var ErrMalformedCommand = errors.New("mailbox: malformed command")

// EncodeCommand serializes cmd for the raft log.
func EncodeCommand(cmd Command) ([]byte, error) {
	var wire wireCommand
	switch c := cmd.(type) {
	case Put:
		wire = wireCommand{Op: OpPut, User: c.User, Payload: c.Payload, At: c.At}
	case Consume:
		wire = wireCommand{Op: OpConsume, User: c.User, At: c.At}
	case Peek:
		wire = wireCommand{Op: OpPeek, User: c.User}
	case Count:
		wire = wireCommand{Op: OpCount, User: c.User}
	case Evict:
		wire = wireCommand{Op: OpEvict, Cutoff: c.Cutoff}
	default:
		return nil, fmt.Errorf("mailbox: cannot encode command %T", cmd)
	}
	data, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("mailbox: encoding %s command: %w", wire.Op, err)
	}
	return data, nil
}

// DecodeCommand parses bytes produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var wire wireCommand
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	switch wire.Op {
	case OpPut, OpConsume, OpPeek, OpCount:
		if wire.User == "" {
			return nil, fmt.Errorf("%w: %s without user", ErrMalformedCommand, wire.Op)
		}
	case OpEvict:
		if wire.User != "" {
			return nil, fmt.Errorf("%w: evict addresses no user", ErrMalformedCommand)
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformedCommand, uint8(wire.Op))
	}

	switch wire.Op {
	case OpPut:
		return Put{User: wire.User, Payload: wire.Payload, At: wire.At}, nil
	case OpConsume:
		return Consume{User: wire.User, At: wire.At}, nil
	case OpPeek:
		return Peek{User: wire.User}, nil
	case OpCount:
		return Count{User: wire.User}, nil
	default:
		return Evict{Cutoff: wire.Cutoff}, nil
	}
}
