// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"fmt"
	"strings"
	"testing"
)

// applyAll folds commands over state and returns the final state and
// every reply.
func applyAll(state State, commands ...Command) (State, []Reply) {
	replies := make([]Reply, 0, len(commands))
	for _, cmd := range commands {
		var reply Reply
		state, reply = Apply(state, cmd)
		replies = append(replies, reply)
	}
	return state, replies
}

func TestPutThenConsume(t *testing.T) {
	state, replies := applyAll(Empty(),
		Put{User: "alice", Payload: []byte("hello")},
		Consume{User: "alice"},
		Consume{User: "alice"},
	)

	if replies[0].Kind != KindAck {
		t.Fatalf("Put reply kind = %v, want ack", replies[0].Kind)
	}
	consumed := replies[1]
	if consumed.Kind != KindMessage {
		t.Fatalf("first Consume kind = %v, want message", consumed.Kind)
	}
	if string(consumed.Message.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", consumed.Message.Payload)
	}
	if consumed.Message.ID == "" {
		t.Error("consumed message has empty id")
	}
	if consumed.Message.Timestamp == 0 {
		t.Error("consumed message has zero timestamp")
	}
	if replies[2].Kind != KindEmpty {
		t.Errorf("second Consume kind = %v, want empty", replies[2].Kind)
	}
	if len(state.Mailboxes()) != 0 {
		t.Errorf("Mailboxes() = %v after draining, want none", state.Mailboxes())
	}
}

func TestFIFOOrder(t *testing.T) {
	state := Empty()
	const count = 50
	for i := 0; i < count; i++ {
		state, _ = Apply(state, Put{User: "bob", Payload: []byte(fmt.Sprintf("m%d", i))})
	}
	// Interleave another mailbox to make sure ordering is per user.
	state, _ = Apply(state, Put{User: "bobby", Payload: []byte("other")})

	for i := 0; i < count; i++ {
		var reply Reply
		state, reply = Apply(state, Consume{User: "bob"})
		if reply.Kind != KindMessage {
			t.Fatalf("Consume %d kind = %v, want message", i, reply.Kind)
		}
		if want := fmt.Sprintf("m%d", i); string(reply.Message.Payload) != want {
			t.Fatalf("Consume %d payload = %q, want %q", i, reply.Message.Payload, want)
		}
	}
	if _, reply := Apply(state, Consume{User: "bob"}); reply.Kind != KindEmpty {
		t.Errorf("Consume after drain kind = %v, want empty", reply.Kind)
	}
	if got := state.Len("bobby"); got != 1 {
		t.Errorf("Len(bobby) = %d, want 1", got)
	}
}

func TestTimestampsStrictlyIncreaseAcrossMailboxes(t *testing.T) {
	state := Empty()
	var previous uint64
	ids := make(map[string]bool)
	for i, user := range []string{"a", "b", "a", "c", "b", "a"} {
		var reply Reply
		state, reply = Apply(state, Put{User: user, Payload: []byte("x")})
		if reply.Message.Timestamp <= previous {
			t.Fatalf("Put %d timestamp %d not greater than %d", i, reply.Message.Timestamp, previous)
		}
		if ids[reply.Message.ID] {
			t.Fatalf("Put %d reused id %q", i, reply.Message.ID)
		}
		ids[reply.Message.ID] = true
		previous = reply.Message.Timestamp
	}
	if state.Clock() != previous {
		t.Errorf("Clock() = %d, want %d", state.Clock(), previous)
	}
}

func TestPeekIsIdempotent(t *testing.T) {
	empty := Empty()
	after, reply := Apply(empty, Peek{User: "carol"})
	if reply.Kind != KindEmpty {
		t.Fatalf("Peek on empty kind = %v, want empty", reply.Kind)
	}
	if after.messages != empty.messages || after.boxes != empty.boxes {
		t.Error("Peek on empty mailbox produced a new state")
	}

	state, _ := applyAll(Empty(),
		Put{User: "carol", Payload: []byte("first")},
		Put{User: "carol", Payload: []byte("second")},
	)
	before, err := state.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	for i := 0; i < 3; i++ {
		var reply Reply
		state, reply = Apply(state, Peek{User: "carol"})
		if reply.Kind != KindMessage || string(reply.Message.Payload) != "first" {
			t.Fatalf("Peek %d = %v %q, want message first", i, reply.Kind, reply.Message.Payload)
		}
	}
	after2, err := state.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if before != after2 {
		t.Error("Peek changed the state fingerprint")
	}
}

func TestCountConsistency(t *testing.T) {
	state := Empty()
	puts, consumed := 0, 0
	// A fixed pseudo-random script of puts and consumes.
	script := "ppcpcccppppcpcccccpp"
	for _, step := range script {
		var reply Reply
		if step == 'p' {
			state, reply = Apply(state, Put{User: "dave", Payload: []byte("x")})
			puts++
		} else {
			state, reply = Apply(state, Consume{User: "dave"})
			if reply.Kind == KindMessage {
				consumed++
			}
		}
		_, counted := Apply(state, Count{User: "dave"})
		if counted.Kind != KindCount {
			t.Fatalf("Count kind = %v, want count", counted.Kind)
		}
		if want := puts - consumed; counted.Count != want {
			t.Fatalf("after %q: Count = %d, want %d", step, counted.Count, want)
		}
	}
	if _, reply := Apply(state, Count{User: "nobody"}); reply.Count != 0 {
		t.Errorf("Count(nobody) = %d, want 0", reply.Count)
	}
}

func TestApplyLeavesInputStateUntouched(t *testing.T) {
	base, _ := applyAll(Empty(),
		Put{User: "erin", Payload: []byte("one")},
		Put{User: "erin", Payload: []byte("two")},
	)
	baseFingerprint, err := base.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	// Two divergent futures from the same base.
	left, _ := applyAll(base, Consume{User: "erin"}, Consume{User: "erin"})
	right, _ := applyAll(base, Put{User: "erin", Payload: []byte("three")})

	if got, _ := base.Fingerprint(); got != baseFingerprint {
		t.Fatal("base state changed after applying commands to it")
	}
	if left.Len("erin") != 0 {
		t.Errorf("left Len = %d, want 0", left.Len("erin"))
	}
	if right.Len("erin") != 3 {
		t.Errorf("right Len = %d, want 3", right.Len("erin"))
	}
	if base.Len("erin") != 2 {
		t.Errorf("base Len = %d, want 2", base.Len("erin"))
	}
}

func TestPutCopiesPayload(t *testing.T) {
	payload := []byte("original")
	state, _ := Apply(Empty(), Put{User: "frank", Payload: payload})
	copy(payload, "mutated!")

	_, reply := Apply(state, Peek{User: "frank"})
	if string(reply.Message.Payload) != "original" {
		t.Errorf("stored payload = %q, want original", reply.Message.Payload)
	}
}

func TestZeroStateBehavesAsEmpty(t *testing.T) {
	var zero State
	if _, reply := Apply(zero, Consume{User: "gina"}); reply.Kind != KindEmpty {
		t.Errorf("Consume on zero state kind = %v, want empty", reply.Kind)
	}
	state, reply := Apply(zero, Put{User: "gina", Payload: []byte("x")})
	if reply.Kind != KindAck || state.Len("gina") != 1 {
		t.Errorf("Put on zero state = %v, Len %d", reply.Kind, state.Len("gina"))
	}
}

func TestEvictRemovesIdleMailboxes(t *testing.T) {
	state, _ := applyAll(Empty(),
		Put{User: "idle", Payload: []byte("a"), At: 100},
		Put{User: "idle", Payload: []byte("b"), At: 150},
		Put{User: "busy", Payload: []byte("c"), At: 100},
		Consume{User: "busy", At: 900},
		Put{User: "busy", Payload: []byte("d"), At: 950},
	)

	next, reply := Apply(state, Evict{Cutoff: 500})
	if reply.Kind != KindEvicted || reply.Count != 1 {
		t.Fatalf("Evict reply = %v/%d, want evicted/1", reply.Kind, reply.Count)
	}
	if next.Len("idle") != 0 {
		t.Errorf("idle mailbox still has %d messages", next.Len("idle"))
	}
	if next.Len("busy") != 1 {
		t.Errorf("busy mailbox has %d messages, want 1", next.Len("busy"))
	}
	if next.TotalMessages() != 1 {
		t.Errorf("TotalMessages = %d, want 1", next.TotalMessages())
	}
	if next.Clock() != state.Clock() {
		t.Error("Evict changed the logical clock")
	}

	unchanged, reply := Apply(next, Evict{Cutoff: 500})
	if reply.Count != 0 || unchanged.messages != next.messages {
		t.Error("Evict with nothing idle should return the same state")
	}
}

func TestApplyPanicsOnForeignCommand(t *testing.T) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			t.Fatal("Apply did not panic")
		}
		if !strings.Contains(fmt.Sprint(recovered), "unhandled command") {
			t.Errorf("panic = %v", recovered)
		}
	}()
	Apply(Empty(), nil)
}

func TestReplicasConverge(t *testing.T) {
	commands := []Command{
		Put{User: "h", Payload: []byte(`{"n":1}`), At: 1},
		Put{User: "i", Payload: []byte(`{"n":2}`), At: 2},
		Consume{User: "h", At: 3},
		Put{User: "h", Payload: []byte(`{"n":3}`), At: 4},
		Peek{User: "i"},
		Count{User: "h"},
	}
	replicaA, repliesA := applyAll(Empty(), commands...)
	replicaB, repliesB := applyAll(Empty(), commands...)

	fingerprintA, err := replicaA.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fingerprintB, err := replicaB.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fingerprintA != fingerprintB {
		t.Errorf("fingerprints differ: %s vs %s", fingerprintA, fingerprintB)
	}
	for i := range repliesA {
		if repliesA[i].Kind != repliesB[i].Kind || repliesA[i].Message.ID != repliesB[i].Message.ID {
			t.Errorf("reply %d differs: %+v vs %+v", i, repliesA[i], repliesB[i])
		}
	}
}
