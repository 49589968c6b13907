// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/raft"

	"github.com/bureau-foundation/mailbox/lib/compress"
	"github.com/bureau-foundation/mailbox/mailbox"
)

// applyResult is what FSM.Apply returns through the raft future.
type applyResult struct {
	reply mailbox.Reply
	err   error
}

// FSM adapts the mailbox state machine to raft.FSM. raft calls Apply,
// Snapshot, and Restore from a single goroutine; State may be called
// from any goroutine.
type FSM struct {
	state   atomic.Pointer[mailbox.State]
	applied atomic.Uint64
	logger  *slog.Logger
}

// NewFSM returns an FSM holding an empty state.
func NewFSM(logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f := &FSM{logger: logger}
	empty := mailbox.Empty()
	f.state.Store(&empty)
	return f
}

// State returns the most recently applied state.
func (f *FSM) State() mailbox.State {
	return *f.state.Load()
}

// AppliedIndex returns the log index of the last applied command.
func (f *FSM) AppliedIndex() uint64 {
	return f.applied.Load()
}

// Apply decodes one committed entry and applies it. A decode failure
// leaves the state untouched: every replica sees the same bytes, so
// every replica skips the entry identically.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	f.applied.Store(entry.Index)

	data, err := compress.Decode(entry.Data)
	if err != nil {
		f.logger.Error("undecodable log entry", "index", entry.Index, "term", entry.Term, "error", err)
		return applyResult{err: fmt.Errorf("%w: log entry %d: %v", ErrInternal, entry.Index, err)}
	}
	cmd, err := mailbox.DecodeCommand(data)
	if err != nil {
		f.logger.Error("malformed command in log", "index", entry.Index, "term", entry.Term, "error", err)
		return applyResult{err: fmt.Errorf("%w: log entry %d: %v", ErrInternal, entry.Index, err)}
	}

	next, reply := mailbox.Apply(f.State(), cmd)
	f.state.Store(&next)
	return applyResult{reply: reply}
}

// Snapshot captures the current state. States are immutable, so the
// capture is a pointer copy and Persist may run concurrently with
// further Apply calls.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.State(), logger: f.logger}, nil
}

// Restore replaces the state with a persisted snapshot.
func (f *FSM) Restore(reader io.ReadCloser) error {
	defer reader.Close()

	frame, err := io.ReadAll(io.LimitReader(reader, compress.MaxDecodedSize))
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	data, err := compress.Decode(frame)
	if err != nil {
		return fmt.Errorf("decompressing snapshot: %w", err)
	}
	restored, err := mailbox.UnmarshalSnapshot(data)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	f.state.Store(&restored)
	f.logger.Info("state restored from snapshot",
		"clock", restored.Clock(),
		"mailboxes", len(restored.Mailboxes()),
		"messages", restored.TotalMessages(),
	)
	return nil
}

type fsmSnapshot struct {
	state  mailbox.State
	logger *slog.Logger
}

// Persist writes zstd-compressed deterministic CBOR to sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := s.state.MarshalSnapshot()
	if err != nil {
		sink.Cancel()
		return err
	}
	frame, err := compress.Encode(data, compress.Zstd)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("compressing snapshot: %w", err)
	}
	if _, err := sink.Write(frame); err != nil {
		sink.Cancel()
		return fmt.Errorf("writing snapshot %s: %w", sink.ID(), err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("closing snapshot %s: %w", sink.ID(), err)
	}
	s.logger.Debug("snapshot persisted", "id", sink.ID(), "bytes", len(frame), "raw_bytes", len(data))
	return nil
}

func (s *fsmSnapshot) Release() {}
