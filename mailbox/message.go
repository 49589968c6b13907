// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import "fmt"

// Message is one queued item. Payload is opaque to the state machine.
type Message struct {
	Payload   []byte `cbor:"payload"`
	Timestamp uint64 `cbor:"timestamp"`
	ID        string `cbor:"id"`
}

// messageID derives a message id from its logical timestamp. Timestamps
// are never reused, so neither are ids.
func messageID(timestamp uint64) string {
	return fmt.Sprintf("msg-%016x", timestamp)
}
