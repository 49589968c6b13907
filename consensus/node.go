// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/bureau-foundation/mailbox/lib/clock"
	"github.com/bureau-foundation/mailbox/lib/compress"
	"github.com/bureau-foundation/mailbox/mailbox"
)

// Group is the contract the bridge submits commands through.
type Group interface {
	// Submit replicates cmd and returns the state machine's reply once
	// the command is committed and applied on this replica.
	Submit(ctx context.Context, cmd mailbox.Command) (mailbox.Reply, error)
}

// compressThreshold is the encoded command size above which log
// entries are LZ4 compressed.
const compressThreshold = 512

// Peer is one voting member of the static cluster.
type Peer struct {
	ID      string
	Address string
}

// Config describes a Node. ID and Peers are required. Storage comes
// from DataDir unless LogStore, StableStore, and SnapshotStore are all
// set; the transport is a TCP transport on BindAddress unless
// Transport is set.
type Config struct {
	ID    string
	Peers []Peer

	// Bootstrap installs Peers as the initial configuration when the
	// stores hold no prior state. Every peer may bootstrap with the
	// same list.
	Bootstrap bool

	DataDir          string
	BindAddress      string
	AdvertiseAddress string

	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	// ApplyTimeout bounds each Submit from enqueue through commit. A
	// caller context with an earlier deadline wins. Defaults to 5s.
	ApplyTimeout time.Duration

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	CommitTimeout     time.Duration
	SnapshotThreshold uint64
	SnapshotInterval  time.Duration
	SnapshotRetain    int

	// Clock stamps activity times on commands. Defaults to the real
	// clock.
	Clock clock.Clock

	Logger *slog.Logger

	// RaftLogger receives raft's own logging. Defaults to a Warn-level
	// hclog logger on stderr.
	RaftLogger hclog.Logger
}

const (
	defaultApplyTimeout   = 5 * time.Second
	defaultSnapshotRetain = 2
	transportPoolSize     = 3
	transportTimeout      = 10 * time.Second
)

// Node is one replica.
type Node struct {
	id           string
	raft         *raft.Raft
	fsm          *FSM
	clock        clock.Clock
	logger       *slog.Logger
	applyTimeout time.Duration

	observer     *raft.Observer
	observations chan raft.Observation

	leaderMu      sync.Mutex
	leaderChanged chan struct{}

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ Group = (*Node)(nil)

// Open builds storage and transport, starts raft, and bootstraps the
// cluster if requested and no prior state exists.
func Open(cfg Config) (node *Node, err error) {
	if cfg.ID == "" {
		return nil, errors.New("consensus: node ID is required")
	}
	if len(cfg.Peers) == 0 {
		return nil, errors.New("consensus: at least one peer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("node", cfg.ID)
	raftLogger := cfg.RaftLogger
	if raftLogger == nil {
		raftLogger = NewRaftLogger(slog.LevelWarn, os.Stderr, false)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	n := &Node{
		id:            cfg.ID,
		fsm:           NewFSM(logger),
		clock:         clk,
		logger:        logger,
		applyTimeout:  cfg.ApplyTimeout,
		leaderChanged: make(chan struct{}),
		done:          make(chan struct{}),
	}
	if n.applyTimeout <= 0 {
		n.applyTimeout = defaultApplyTimeout
	}
	defer func() {
		if err != nil {
			n.closeResources()
		}
	}()

	logs, stable, snapshots, err := n.openStorage(cfg, raftLogger)
	if err != nil {
		return nil, err
	}
	transport, err := n.openTransport(cfg, raftLogger)
	if err != nil {
		return nil, err
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.ID)
	raftConfig.Logger = raftLogger
	if cfg.HeartbeatTimeout > 0 {
		raftConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
		raftConfig.LeaderLeaseTimeout = min(raftConfig.LeaderLeaseTimeout, cfg.HeartbeatTimeout)
	}
	if cfg.ElectionTimeout > 0 {
		raftConfig.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.CommitTimeout > 0 {
		raftConfig.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.SnapshotThreshold > 0 {
		raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	}
	if cfg.SnapshotInterval > 0 {
		raftConfig.SnapshotInterval = cfg.SnapshotInterval
	}
	if err := raft.ValidateConfig(raftConfig); err != nil {
		return nil, fmt.Errorf("consensus: invalid raft configuration: %w", err)
	}

	if cfg.Bootstrap {
		existing, err := raft.HasExistingState(logs, stable, snapshots)
		if err != nil {
			return nil, fmt.Errorf("consensus: checking existing state: %w", err)
		}
		if !existing {
			configuration := raft.Configuration{}
			for _, peer := range cfg.Peers {
				configuration.Servers = append(configuration.Servers, raft.Server{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(peer.ID),
					Address:  raft.ServerAddress(peer.Address),
				})
			}
			if err := raft.BootstrapCluster(raftConfig, logs, stable, snapshots, transport, configuration); err != nil {
				return nil, fmt.Errorf("consensus: bootstrapping cluster: %w", err)
			}
			logger.Info("cluster bootstrapped", "peers", len(cfg.Peers))
		}
	}

	r, err := raft.NewRaft(raftConfig, n.fsm, logs, stable, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: starting raft: %w", err)
	}
	n.raft = r

	n.observations = make(chan raft.Observation, 16)
	n.observer = raft.NewObserver(n.observations, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(n.observer)
	n.wg.Add(1)
	go n.watchLeadership()

	logger.Info("consensus node started",
		"address", string(transport.LocalAddr()),
		"data_dir", cfg.DataDir,
	)
	return n, nil
}

func (n *Node) openStorage(cfg Config, raftLogger hclog.Logger) (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	if cfg.LogStore != nil && cfg.StableStore != nil && cfg.SnapshotStore != nil && cfg.DataDir == "" {
		return cfg.LogStore, cfg.StableStore, cfg.SnapshotStore, nil
	}
	if cfg.DataDir == "" {
		return nil, nil, nil, errors.New("consensus: DataDir is required unless all stores are provided")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("consensus: creating data directory: %w", err)
	}
	lock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("consensus: %w", err)
	}
	n.closers = append(n.closers, lock)

	logs, stable := cfg.LogStore, cfg.StableStore
	if logs == nil || stable == nil {
		store, err := OpenStore(filepath.Join(cfg.DataDir, "raft.db"), n.logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("consensus: %w", err)
		}
		n.closers = append(n.closers, store)
		if logs == nil {
			logs = store
		}
		if stable == nil {
			stable = store
		}
	}

	snapshots := cfg.SnapshotStore
	if snapshots == nil {
		retain := cfg.SnapshotRetain
		if retain <= 0 {
			retain = defaultSnapshotRetain
		}
		fileSnapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, retain, raftLogger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("consensus: opening snapshot store: %w", err)
		}
		snapshots = fileSnapshots
	}
	return logs, stable, snapshots, nil
}

func (n *Node) openTransport(cfg Config, raftLogger hclog.Logger) (raft.Transport, error) {
	if cfg.Transport != nil {
		return cfg.Transport, nil
	}
	if cfg.BindAddress == "" {
		return nil, errors.New("consensus: BindAddress is required without an injected transport")
	}

	var advertise net.Addr
	if cfg.AdvertiseAddress != "" {
		resolved, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddress)
		if err != nil {
			return nil, fmt.Errorf("consensus: resolving advertise address %q: %w", cfg.AdvertiseAddress, err)
		}
		advertise = resolved
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddress, advertise, transportPoolSize, transportTimeout, raftLogger)
	if err != nil {
		return nil, fmt.Errorf("consensus: starting raft transport on %s: %w", cfg.BindAddress, err)
	}
	n.closers = append(n.closers, transport)
	return transport, nil
}

// Submit replicates cmd. Put and Consume are stamped with the current
// time for idle tracking before they enter the log. Submit returns
// within ApplyTimeout (or ctx's deadline, if sooner); a command that
// is not committed by then yields ErrTimeout, never a reply.
func (n *Node) Submit(ctx context.Context, cmd mailbox.Command) (mailbox.Reply, error) {
	if err := ctx.Err(); err != nil {
		return mailbox.Reply{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	cmd = mailbox.Stamp(cmd, n.clock.Now().UnixNano())
	data, err := mailbox.EncodeCommand(cmd)
	if err != nil {
		return mailbox.Reply{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	tag := compress.None
	if len(data) > compressThreshold {
		tag = compress.LZ4
	}
	frame, err := compress.Encode(data, tag)
	if err != nil {
		return mailbox.Reply{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.applyTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return mailbox.Reply{}, fmt.Errorf("%w: %v", ErrTimeout, context.DeadlineExceeded)
	}
	// Apply's timeout covers only enqueueing; ctx covers the commit.
	future := n.raft.Apply(frame, remaining)

	result := make(chan error, 1)
	go func() { result <- future.Error() }()
	select {
	case err := <-result:
		if err != nil {
			return mailbox.Reply{}, translateRaftError(err, n.Leader)
		}
	case <-ctx.Done():
		return mailbox.Reply{}, fmt.Errorf("%w: %v, outcome unknown", ErrTimeout, ctx.Err())
	}

	applied, ok := future.Response().(applyResult)
	if !ok {
		return mailbox.Reply{}, fmt.Errorf("%w: unexpected apply response %T", ErrInternal, future.Response())
	}
	if applied.err != nil {
		return mailbox.Reply{}, applied.err
	}
	return applied.reply, nil
}

// ID returns the local server ID.
func (n *Node) ID() string {
	return n.id
}

// Leader returns the ID and raft address of the current leader as this
// replica knows it, or empty strings.
func (n *Node) Leader() (id, address string) {
	leaderAddress, leaderID := n.raft.LeaderWithID()
	return string(leaderID), string(leaderAddress)
}

// IsLeader reports whether this replica currently leads.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// WaitForLeader blocks until a leader is known or ctx is done.
func (n *Node) WaitForLeader(ctx context.Context) (id string, err error) {
	for {
		changed := n.leaderChangedChannel()
		if id, _ := n.Leader(); id != "" {
			return id, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for leader: %w", ctx.Err())
		case <-n.done:
			return "", fmt.Errorf("waiting for leader: %w", raft.ErrRaftShutdown)
		}
	}
}

func (n *Node) leaderChangedChannel() <-chan struct{} {
	n.leaderMu.Lock()
	defer n.leaderMu.Unlock()
	return n.leaderChanged
}

func (n *Node) watchLeadership() {
	defer n.wg.Done()
	for {
		select {
		case observation := <-n.observations:
			leader, ok := observation.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			n.logger.Info("leader changed",
				"leader", string(leader.LeaderID),
				"leader_address", string(leader.LeaderAddr),
				"local_leader", string(leader.LeaderID) == n.id,
			)
			n.leaderMu.Lock()
			close(n.leaderChanged)
			n.leaderChanged = make(chan struct{})
			n.leaderMu.Unlock()
		case <-n.done:
			return
		}
	}
}

// LocalState returns this replica's applied state. On followers it may
// lag the leader; use Submit for linearizable reads.
func (n *Node) LocalState() mailbox.State {
	return n.fsm.State()
}

// AppliedIndex returns the index of the last log entry applied here.
func (n *Node) AppliedIndex() uint64 {
	return n.fsm.AppliedIndex()
}

// Fingerprint returns the fingerprint of this replica's applied state.
func (n *Node) Fingerprint() (string, error) {
	return n.fsm.State().Fingerprint()
}

// Snapshot forces a snapshot and log compaction.
func (n *Node) Snapshot() error {
	if err := n.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("consensus: snapshot: %w", err)
	}
	return nil
}

// Close shuts raft down and releases storage, transport, and the data
// directory lock.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.raft != nil {
			n.raft.DeregisterObserver(n.observer)
			if err := n.raft.Shutdown().Error(); err != nil {
				errs = append(errs, fmt.Errorf("shutting down raft: %w", err))
			}
		}
		close(n.done)
		n.wg.Wait()
		if err := n.closeResources(); err != nil {
			errs = append(errs, err)
		}
		n.closeErr = errors.Join(errs...)
		n.logger.Info("consensus node stopped")
	})
	return n.closeErr
}

// closeResources closes owned resources in reverse order of opening.
func (n *Node) closeResources() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
