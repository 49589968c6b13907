// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Forge-mailbox runs one replica of the mailbox service: a raft
// consensus node holding the mailbox state machine, an idle-mailbox
// janitor, and a request/reply bridge that serves the forge/mailbox
// routing-key namespace over a unix/TCP socket or ZeroMQ transport.
//
// Configuration comes from --config or FORGE_MAILBOX_CONFIG. The
// process runs until SIGINT or SIGTERM, or until the bridge gives up
// restarting its transport session, in which case it exits non-zero
// so a supervisor can restart it.
package main
