// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reply encodes mailbox results into the JSON reply envelope
// sent back to callers:
//
//	{"status":"success","result":<value>}
//	{"status":"error","reason":"<string>"}
//
// A put answers "ok", a count answers an integer, and a consume or peek
// answers {"message":...,"timestamp":...,"id":...}. An empty mailbox is
// reported as an error envelope with reason "empty".
package reply
