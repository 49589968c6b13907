// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import "fmt"

// Kind classifies a Reply.
type Kind uint8

const (
	// KindAck acknowledges a Put. Reply.Message is the stored message.
	KindAck Kind = iota + 1

	// KindMessage carries the head message of a Consume or Peek.
	KindMessage

	// KindEmpty answers a Consume or Peek on an empty mailbox. This is
	// a normal result, not a failure.
	KindEmpty

	// KindCount answers a Count. Reply.Count is the mailbox length.
	KindCount

	// KindEvicted answers an Evict. Reply.Count is the number of
	// mailboxes removed.
	KindEvicted
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindMessage:
		return "message"
	case KindEmpty:
		return "empty"
	case KindCount:
		return "count"
	case KindEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Reply is the state machine's answer to one command. Message.Payload
// aliases the stored message and must not be modified.
type Reply struct {
	Kind    Kind
	Message Message
	Count   int
}
