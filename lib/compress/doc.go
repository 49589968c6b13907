// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress frames byte blobs with an optional compression
// algorithm so that readers can decode them without out-of-band
// metadata.
//
// A frame is:
//
//	+-----+-------------------------+----------------+
//	| tag | uvarint original length | body           |
//	+-----+-------------------------+----------------+
//
// The consensus layer uses two tags. Raft log entries whose encoded
// command exceeds a size threshold are LZ4-compressed: cheap enough to
// sit on the Submit path. State machine snapshots are zstd-compressed:
// they are written rarely and mailbox payloads (usually JSON) compress
// well. Data that does not shrink is stored with [None], so [Encode]
// never makes a blob larger than the input plus the header.
//
// Tag values are part of the on-disk format of the raft log and the
// snapshot store; changing them breaks existing data directories.
package compress
