// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge adapts transport requests into replicated mailbox
// commands.
//
// A [Bridge] opens a transport session for the mailbox key pattern
// (forge/mailbox/** by default) and handles every request in its own
// goroutine, bounded by MaxInFlight. Each request is routed to a
// command, submitted to the consensus group with SubmitTimeout, and
// answered with exactly one JSON reply envelope. A failing or panicking
// request is answered with an error envelope and never affects other
// requests.
//
// When the local replica is not the leader, the bridge forwards the raw
// request once to the leader's bridge address (from Peers) and relays
// the leader's reply bytes unchanged. Requests that already arrived
// forwarded are never forwarded again.
//
// The bridge supervises its session. If Receive fails for any reason
// other than shutdown, the session is closed and reopened after an
// exponential backoff driven by the injected clock. After MaxRestarts
// consecutive restarts without a delivered request the bridge gives up:
// it stops and Wait returns ErrRestartsExhausted.
//
// Lifecycle: Starting → Running → Stopping → Stopped.
package bridge
