// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/mailbox/lib/codec"
)

// Snapshot is the serializable form of a State. Mailboxes are sorted by
// user and messages by timestamp, so equal States export equal values
// and, through deterministic CBOR, equal bytes.
type Snapshot struct {
	Clock     uint64            `cbor:"clock"`
	Mailboxes []MailboxSnapshot `cbor:"mailboxes"`
}

// MailboxSnapshot is one non-empty mailbox.
type MailboxSnapshot struct {
	User       string    `cbor:"user"`
	LastActive int64     `cbor:"last_active"`
	Messages   []Message `cbor:"messages"`
}

// Export returns the snapshot form of s.
func (s State) Export() Snapshot {
	s = s.initialized()
	snapshot := Snapshot{
		Clock:     s.clock,
		Mailboxes: make([]MailboxSnapshot, 0, s.boxes.Len()),
	}
	s.boxes.Ascend(func(item box) bool {
		entries := s.entriesOf(item.user)
		messages := make([]Message, len(entries))
		for i, queued := range entries {
			messages[i] = queued.message
		}
		snapshot.Mailboxes = append(snapshot.Mailboxes, MailboxSnapshot{
			User:       item.user,
			LastActive: item.lastActive,
			Messages:   messages,
		})
		return true
	})
	return snapshot
}

// Import rebuilds a State from a snapshot, rejecting snapshots that
// could not have been produced by Export.
func Import(snapshot Snapshot) (State, error) {
	state := Empty()
	state.clock = snapshot.Clock

	seen := make(map[uint64]struct{})
	previousUser := ""
	for i, mailbox := range snapshot.Mailboxes {
		if mailbox.User == "" {
			return State{}, fmt.Errorf("mailbox: snapshot mailbox %d has no user", i)
		}
		if i > 0 && mailbox.User <= previousUser {
			return State{}, fmt.Errorf("mailbox: snapshot mailboxes out of order at %q", mailbox.User)
		}
		previousUser = mailbox.User
		if len(mailbox.Messages) == 0 {
			return State{}, fmt.Errorf("mailbox: snapshot mailbox %q is empty", mailbox.User)
		}

		var previousTimestamp uint64
		for _, message := range mailbox.Messages {
			if message.Timestamp == 0 || message.Timestamp > snapshot.Clock {
				return State{}, fmt.Errorf("mailbox: snapshot message %q in %q has timestamp %d outside clock %d",
					message.ID, mailbox.User, message.Timestamp, snapshot.Clock)
			}
			if message.Timestamp <= previousTimestamp {
				return State{}, fmt.Errorf("mailbox: snapshot mailbox %q is not in timestamp order", mailbox.User)
			}
			if _, duplicate := seen[message.Timestamp]; duplicate {
				return State{}, fmt.Errorf("mailbox: snapshot reuses timestamp %d", message.Timestamp)
			}
			if message.ID == "" {
				return State{}, fmt.Errorf("mailbox: snapshot message %d in %q has no id", message.Timestamp, mailbox.User)
			}
			seen[message.Timestamp] = struct{}{}
			previousTimestamp = message.Timestamp
			state.messages.ReplaceOrInsert(entry{user: mailbox.User, message: message})
		}
		state.boxes.ReplaceOrInsert(box{
			user:       mailbox.User,
			count:      len(mailbox.Messages),
			lastActive: mailbox.LastActive,
		})
	}
	return state, nil
}

// MarshalSnapshot encodes the state as deterministic CBOR.
func (s State) MarshalSnapshot() ([]byte, error) {
	data, err := codec.Marshal(s.Export())
	if err != nil {
		return nil, fmt.Errorf("mailbox: encoding snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes and validates bytes from MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (State, error) {
	var snapshot Snapshot
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return State{}, fmt.Errorf("mailbox: decoding snapshot: %w", err)
	}
	return Import(snapshot)
}

// Fingerprint returns the hex BLAKE3-256 digest of the snapshot
// encoding. Replicas that applied the same log prefix report the same
// fingerprint.
func (s State) Fingerprint() (string, error) {
	data, err := s.MarshalSnapshot()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
