// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. [Fatal] reports
// an error from run() to stderr before the structured logger exists
// (or after it is gone) and exits with code 1.
package process
