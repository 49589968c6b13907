// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
)

var (
	// ErrTimeout reports a command that was not committed before its
	// deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable reports that the group could not commit a command.
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal reports a replica-side failure that should never
	// happen, such as an undecodable log entry.
	ErrInternal = errors.New("internal error")

	// ErrDataDirLocked is returned by Open when another process holds
	// the data directory.
	ErrDataDirLocked = errors.New("data directory is locked by another process")
)

// NotLeaderError is returned by Submit on a replica that is not the
// leader. The command was not appended. LeaderID and LeaderAddress are
// empty when no leader is known.
type NotLeaderError struct {
	LeaderID      string
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "unavailable: not leader (no leader elected)"
	}
	return fmt.Sprintf("unavailable: not leader (leader=%s)", e.LeaderID)
}

// Is makes a NotLeaderError match ErrUnavailable.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrUnavailable
}

// translateRaftError maps an error from a raft future onto the package
// taxonomy. leader is consulted only for not-leader errors.
func translateRaftError(err error, leader func() (id, address string)) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		id, address := leader()
		return &NotLeaderError{LeaderID: id, LeaderAddress: address}
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: command not committed before deadline", ErrTimeout)
	case errors.Is(err, raft.ErrLeadershipLost):
		return fmt.Errorf("%w: leadership lost while committing, outcome unknown", ErrUnavailable)
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: replica is shutting down", ErrUnavailable)
	case errors.Is(err, raft.ErrAbortedByRestore):
		return fmt.Errorf("%w: command aborted by snapshot restore, outcome unknown", ErrUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
