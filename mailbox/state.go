// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import "github.com/google/btree"

// treeDegree is the B-tree branching factor. Clone cost is independent
// of it; 32 keeps node copies on the write path small.
const treeDegree = 32

// entry is one queued message, keyed by (user, timestamp).
type entry struct {
	user    string
	message Message
}

func entryLess(a, b entry) bool {
	if a.user != b.user {
		return a.user < b.user
	}
	return a.message.Timestamp < b.message.Timestamp
}

// box is the per-mailbox bookkeeping. A box exists only while its
// mailbox holds at least one message.
type box struct {
	user       string
	count      int
	lastActive int64
}

func boxLess(a, b box) bool {
	return a.user < b.user
}

// State is the complete replicated mailbox state. The zero value is an
// empty state. States are immutable: Apply returns a new State and
// leaves its input untouched.
type State struct {
	clock    uint64
	messages *btree.BTreeG[entry]
	boxes    *btree.BTreeG[box]
}

// Empty returns a State with no mailboxes.
func Empty() State {
	return State{
		messages: btree.NewG(treeDegree, entryLess),
		boxes:    btree.NewG(treeDegree, boxLess),
	}
}

// initialized returns s with its trees allocated, so the zero State
// behaves like Empty().
func (s State) initialized() State {
	if s.messages == nil || s.boxes == nil {
		empty := Empty()
		empty.clock = s.clock
		return empty
	}
	return s
}

// mutable returns a copy of s whose trees may be modified without
// affecting s. The clones share nodes with s until written.
func (s State) mutable() State {
	return State{
		clock:    s.clock,
		messages: s.messages.Clone(),
		boxes:    s.boxes.Clone(),
	}
}

// Clock returns the timestamp of the most recent Put.
func (s State) Clock() uint64 {
	return s.clock
}

// Len returns the number of messages in user's mailbox.
func (s State) Len(user string) int {
	if s.boxes == nil {
		return 0
	}
	found, ok := s.boxes.Get(box{user: user})
	if !ok {
		return 0
	}
	return found.count
}

// Mailboxes returns the users that have at least one message, in
// lexical order.
func (s State) Mailboxes() []string {
	if s.boxes == nil {
		return nil
	}
	users := make([]string, 0, s.boxes.Len())
	s.boxes.Ascend(func(item box) bool {
		users = append(users, item.user)
		return true
	})
	return users
}

// TotalMessages returns the number of messages across all mailboxes.
func (s State) TotalMessages() int {
	if s.messages == nil {
		return 0
	}
	return s.messages.Len()
}

// head returns the oldest message in user's mailbox.
func (s State) head(user string) (entry, bool) {
	var found entry
	var ok bool
	s.messages.AscendGreaterOrEqual(entry{user: user}, func(item entry) bool {
		if item.user == user {
			found, ok = item, true
		}
		return false
	})
	return found, ok
}

// entriesOf returns user's messages in FIFO order.
func (s State) entriesOf(user string) []entry {
	var entries []entry
	s.messages.AscendGreaterOrEqual(entry{user: user}, func(item entry) bool {
		if item.user != user {
			return false
		}
		entries = append(entries, item)
		return true
	})
	return entries
}
