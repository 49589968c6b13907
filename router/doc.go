// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router translates routing keys into mailbox commands.
//
// A routing key has the form
//
//	forge/mailbox/<user_id>[/<operation>]
//
// where user_id is one or more characters other than "/" and operation
// is one of put, consume, peek, or count. A key without an operation
// consumes. Route is a pure function: it never touches replicated state
// and never parses the payload.
package router
