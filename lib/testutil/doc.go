// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for mailbox packages.
//
// [SocketDir] creates a short temporary directory for Unix domain
// sockets; sun_path is limited to 108 bytes and t.TempDir() paths under
// some build systems exceed it.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so that tests never call time.After themselves. A hung
// replica or a bridge that never replies fails the test instead of
// hanging it.
//
// All helpers call t.Fatalf on failure.
package testutil
