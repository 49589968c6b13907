// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/mailbox/lib/clock"
	"github.com/bureau-foundation/mailbox/mailbox"
)

// LeaderGroup is a Group that knows whether it leads.
type LeaderGroup interface {
	Group
	IsLeader() bool
}

// JanitorConfig controls idle-mailbox eviction.
type JanitorConfig struct {
	// IdleTTL is how long a mailbox may go without a put or consume
	// before it is evicted. Zero disables eviction.
	IdleTTL time.Duration

	// Interval is the time between sweeps. Defaults to IdleTTL/4,
	// with a floor of one second.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Janitor periodically evicts idle mailboxes through the replicated
// log. Every node runs one; only the leader's sweeps submit anything.
type Janitor struct {
	group    LeaderGroup
	idleTTL  time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewJanitor returns a janitor for group.
func NewJanitor(group LeaderGroup, cfg JanitorConfig) *Janitor {
	j := &Janitor{
		group:    group,
		idleTTL:  cfg.IdleTTL,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if j.interval <= 0 {
		j.interval = max(cfg.IdleTTL/4, time.Second)
	}
	if j.clock == nil {
		j.clock = clock.Real()
	}
	if j.logger == nil {
		j.logger = slog.New(slog.DiscardHandler)
	}
	return j
}

// Run sweeps every interval until ctx is done. It returns immediately
// when eviction is disabled.
func (j *Janitor) Run(ctx context.Context) {
	if j.idleTTL <= 0 {
		j.logger.Debug("idle eviction disabled")
		return
	}

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep submits one eviction if this node leads. It returns the number
// of mailboxes evicted.
func (j *Janitor) Sweep(ctx context.Context) int {
	if !j.group.IsLeader() {
		return 0
	}

	cutoff := j.clock.Now().Add(-j.idleTTL)
	ctx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()
	reply, err := j.group.Submit(ctx, mailbox.Evict{Cutoff: cutoff.UnixNano()})
	if err != nil {
		j.logger.Warn("idle eviction failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if reply.Count > 0 {
		j.logger.Info("evicted idle mailboxes", "count", reply.Count, "cutoff", cutoff)
	}
	return reply.Count
}
