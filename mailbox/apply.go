// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"bytes"
	"fmt"
)

// Apply computes the result of one command. It is deterministic and
// total over the Command types of this package, and it never modifies
// state: mutating commands return a new State, read-only commands
// return state itself.
func Apply(state State, cmd Command) (State, Reply) {
	state = state.initialized()

	switch c := cmd.(type) {
	case Put:
		return applyPut(state, c)
	case Consume:
		return applyConsume(state, c)
	case Peek:
		return applyPeek(state, c)
	case Count:
		return state, Reply{Kind: KindCount, Count: state.Len(c.User)}
	case Evict:
		return applyEvict(state, c)
	default:
		panic(fmt.Sprintf("mailbox: Apply: unhandled command type %T", cmd))
	}
}

func applyPut(state State, c Put) (State, Reply) {
	next := state.mutable()
	next.clock++

	message := Message{
		Payload:   bytes.Clone(c.Payload),
		Timestamp: next.clock,
		ID:        messageID(next.clock),
	}
	next.messages.ReplaceOrInsert(entry{user: c.User, message: message})

	current, _ := next.boxes.Get(box{user: c.User})
	current.user = c.User
	current.count++
	current.lastActive = max(current.lastActive, c.At)
	next.boxes.ReplaceOrInsert(current)

	return next, Reply{Kind: KindAck, Message: message}
}

func applyConsume(state State, c Consume) (State, Reply) {
	head, ok := state.head(c.User)
	if !ok {
		return state, Reply{Kind: KindEmpty}
	}

	next := state.mutable()
	next.messages.Delete(head)

	current, _ := next.boxes.Get(box{user: c.User})
	current.count--
	if current.count == 0 {
		next.boxes.Delete(current)
	} else {
		current.lastActive = max(current.lastActive, c.At)
		next.boxes.ReplaceOrInsert(current)
	}

	return next, Reply{Kind: KindMessage, Message: head.message}
}

func applyPeek(state State, c Peek) (State, Reply) {
	head, ok := state.head(c.User)
	if !ok {
		return state, Reply{Kind: KindEmpty}
	}
	return state, Reply{Kind: KindMessage, Message: head.message}
}

func applyEvict(state State, c Evict) (State, Reply) {
	var idle []box
	state.boxes.Ascend(func(item box) bool {
		if item.lastActive < c.Cutoff {
			idle = append(idle, item)
		}
		return true
	})
	if len(idle) == 0 {
		return state, Reply{Kind: KindEvicted}
	}

	next := state.mutable()
	for _, item := range idle {
		for _, queued := range state.entriesOf(item.user) {
			next.messages.Delete(queued)
		}
		next.boxes.Delete(item)
	}
	return next, Reply{Kind: KindEvicted, Count: len(idle)}
}
