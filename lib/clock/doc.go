// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The bridge supervisor's restart backoff, the eviction janitor's tick,
// and the wall-clock stamps that consensus puts on Put and Consume
// commands all read time through a Clock. Production wires Real(); tests
// wire Fake() and move time forward with Advance, using WaitForTimers to
// avoid racing a goroutine that has not yet registered its timer:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	b, _ := bridge.New(bridge.Config{Clock: fake, ...})
//	// ... kill the transport session ...
//	fake.WaitForTimers(1)
//	fake.Advance(100 * time.Millisecond)
//
// The mailbox state machine never reads a Clock. Time enters replicated
// state only as a field of a logged command.
package clock
