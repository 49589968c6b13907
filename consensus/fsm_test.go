// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/bureau-foundation/mailbox/lib/compress"
	"github.com/bureau-foundation/mailbox/mailbox"
)

// logEntry builds a raft log entry the way Submit frames commands.
func logEntry(t *testing.T, index uint64, cmd mailbox.Command, tag compress.Tag) *raft.Log {
	t.Helper()
	data, err := mailbox.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	frame, err := compress.Encode(data, tag)
	if err != nil {
		t.Fatalf("compress.Encode: %v", err)
	}
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: frame}
}

func applyEntry(t *testing.T, fsm *FSM, entry *raft.Log) applyResult {
	t.Helper()
	result, ok := fsm.Apply(entry).(applyResult)
	if !ok {
		t.Fatalf("Apply returned %T", fsm.Apply(entry))
	}
	return result
}

// memorySink is a raft.SnapshotSink backed by a buffer.
type memorySink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memorySink) ID() string    { return "test-snapshot" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

func TestFSMApply(t *testing.T) {
	fsm := NewFSM(nil)

	large := []byte(`{"text":"` + strings.Repeat("abc", 400) + `"}`)
	results := []applyResult{
		applyEntry(t, fsm, logEntry(t, 1, mailbox.Put{User: "alice", Payload: []byte("small")}, compress.None)),
		applyEntry(t, fsm, logEntry(t, 2, mailbox.Put{User: "alice", Payload: large}, compress.LZ4)),
		applyEntry(t, fsm, logEntry(t, 3, mailbox.Consume{User: "alice"}, compress.None)),
		applyEntry(t, fsm, logEntry(t, 4, mailbox.Peek{User: "alice"}, compress.None)),
	}
	for i, result := range results {
		if result.err != nil {
			t.Fatalf("entry %d: %v", i+1, result.err)
		}
	}
	if string(results[2].reply.Message.Payload) != "small" {
		t.Errorf("consumed %q, want small", results[2].reply.Message.Payload)
	}
	if !bytes.Equal(results[3].reply.Message.Payload, large) {
		t.Error("peeked payload does not match the compressed put")
	}
	if fsm.AppliedIndex() != 4 {
		t.Errorf("AppliedIndex = %d, want 4", fsm.AppliedIndex())
	}
}

func TestFSMApplyRejectsCorruptEntry(t *testing.T) {
	fsm := NewFSM(nil)
	applyEntry(t, fsm, logEntry(t, 1, mailbox.Put{User: "alice", Payload: []byte("x")}, compress.None))
	before, _ := fsm.State().Fingerprint()

	for i, data := range [][]byte{
		{0x09, 0x01, 0x00},
		mustFrame(t, []byte{0xff, 0xff}),
	} {
		result := applyEntry(t, fsm, &raft.Log{Index: uint64(i + 2), Term: 1, Data: data})
		if !errors.Is(result.err, ErrInternal) {
			t.Errorf("corrupt entry %d: err = %v, want ErrInternal", i, result.err)
		}
	}

	after, _ := fsm.State().Fingerprint()
	if before != after {
		t.Error("corrupt entry changed the state")
	}
}

func mustFrame(t *testing.T, data []byte) []byte {
	t.Helper()
	frame, err := compress.Encode(data, compress.None)
	if err != nil {
		t.Fatalf("compress.Encode: %v", err)
	}
	return frame
}

func TestFSMSnapshotRestore(t *testing.T) {
	source := NewFSM(nil)
	commands := []mailbox.Command{
		mailbox.Put{User: "alice", Payload: []byte(`{"n":1}`), At: 10},
		mailbox.Put{User: "bob", Payload: []byte("hello"), At: 11},
		mailbox.Put{User: "alice", Payload: []byte(`{"n":2}`), At: 12},
		mailbox.Consume{User: "alice", At: 13},
	}
	for i, cmd := range commands {
		applyEntry(t, source, logEntry(t, uint64(i+1), cmd, compress.None))
	}

	snapshot, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Applying after the capture must not leak into the snapshot.
	applyEntry(t, source, logEntry(t, 5, mailbox.Put{User: "carol", Payload: []byte("late")}, compress.None))

	sink := &memorySink{}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snapshot.Release()
	if !sink.closed || sink.cancelled {
		t.Fatalf("sink closed=%v cancelled=%v", sink.closed, sink.cancelled)
	}

	restored := NewFSM(nil)
	if err := restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	state := restored.State()
	if state.Len("alice") != 1 || state.Len("bob") != 1 || state.Len("carol") != 0 {
		t.Errorf("restored lengths alice=%d bob=%d carol=%d, want 1 1 0",
			state.Len("alice"), state.Len("bob"), state.Len("carol"))
	}
	if state.Clock() != 3 {
		t.Errorf("restored clock = %d, want 3", state.Clock())
	}
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	fsm := NewFSM(nil)
	if err := fsm.Restore(io.NopCloser(strings.NewReader("not a snapshot"))); err == nil {
		t.Error("Restore succeeded on garbage")
	}
}
