// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// NewRaftLogger returns the hclog logger handed to raft. raft is
// chatty at Info, so callers typically pass a level one step above the
// service's own.
func NewRaftLogger(level slog.Level, output io.Writer, json bool) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      hclogLevel(level),
		Output:     output,
		JSONFormat: json,
	})
}

func hclogLevel(level slog.Level) hclog.Level {
	switch {
	case level < slog.LevelInfo:
		return hclog.Debug
	case level < slog.LevelWarn:
		return hclog.Info
	case level < slog.LevelError:
		return hclog.Warn
	default:
		return hclog.Error
	}
}
