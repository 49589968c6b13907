// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mailbox/bridge"
	"github.com/bureau-foundation/mailbox/consensus"
	"github.com/bureau-foundation/mailbox/lib/clock"
	"github.com/bureau-foundation/mailbox/lib/config"
	"github.com/bureau-foundation/mailbox/lib/process"
	"github.com/bureau-foundation/mailbox/lib/version"
	"github.com/bureau-foundation/mailbox/transport"
	"github.com/bureau-foundation/mailbox/transport/zmq"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		bootstrap   bool
		logLevel    string
		showVersion bool
	)

	flags := pflag.NewFlagSet("forge-mailbox", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvironmentVariable+")")
	flags.BoolVar(&bootstrap, "bootstrap", false, "form a new cluster from cluster.peers if no raft state exists")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("forge-mailbox %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if bootstrap {
		cfg.Node.Bootstrap = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	jsonLogs := cfg.Logging.Format == "json"
	logger := newLogger(os.Stderr, level, jsonLogs).With("node", cfg.Node.ID)
	slog.SetDefault(logger)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := consensus.Open(consensus.Config{
		ID:                cfg.Node.ID,
		Peers:             clusterPeers(cfg),
		Bootstrap:         cfg.Node.Bootstrap,
		DataDir:           cfg.Node.DataDir,
		BindAddress:       cfg.Node.RaftAddress,
		AdvertiseAddress:  cfg.Node.AdvertiseAddress,
		ApplyTimeout:      cfg.Consensus.ApplyTimeout,
		HeartbeatTimeout:  cfg.Consensus.HeartbeatTimeout,
		ElectionTimeout:   cfg.Consensus.ElectionTimeout,
		SnapshotThreshold: cfg.Consensus.SnapshotThreshold,
		SnapshotInterval:  cfg.Consensus.SnapshotInterval,
		SnapshotRetain:    cfg.Consensus.SnapshotRetain,
		Clock:             clock.Real(),
		Logger:            logger,
		RaftLogger:        consensus.NewRaftLogger(level, os.Stderr, jsonLogs),
	})
	if err != nil {
		return fmt.Errorf("starting consensus node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Error("closing consensus node", "error", err)
		}
	}()

	janitor := consensus.NewJanitor(node, consensus.JanitorConfig{
		IdleTTL:  cfg.Eviction.IdleTTL,
		Interval: cfg.Eviction.Interval,
		Logger:   logger,
	})
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(ctx)
	}()
	defer func() {
		stop()
		<-janitorDone
	}()

	bridgeTransport, forwarder, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	b, err := bridge.New(bridge.Config{
		Transport:      bridgeTransport,
		Group:          node,
		Pattern:        cfg.Bridge.Pattern,
		MaxInFlight:    cfg.Bridge.MaxInFlight,
		SubmitTimeout:  cfg.Bridge.SubmitTimeout,
		InitialBackoff: cfg.Bridge.InitialBackoff,
		MaxBackoff:     cfg.Bridge.MaxBackoff,
		MaxRestarts:    cfg.Bridge.MaxRestarts,
		Forwarder:      forwarder,
		Peers:          cfg.BridgeAddresses(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}

	logger.Info("forge-mailbox running",
		"version", version.Info(),
		"raft_address", cfg.Node.RaftAddress,
		"bridge_transport", cfg.Bridge.Transport,
		"bridge_listen", cfg.Bridge.Listen,
		"peers", len(cfg.Cluster.Peers),
	)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		b.Stop()
		return nil
	case err := <-stopped:
		return fmt.Errorf("bridge stopped: %w", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

func newLogger(output io.Writer, level slog.Level, jsonFormat bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(output, options))
	}
	return slog.New(slog.NewTextHandler(output, options))
}

// clusterPeers returns the configured voters, or this node alone when
// no peers are listed.
func clusterPeers(cfg *config.Config) []consensus.Peer {
	if len(cfg.Cluster.Peers) == 0 {
		address := cfg.Node.AdvertiseAddress
		if address == "" {
			address = cfg.Node.RaftAddress
		}
		return []consensus.Peer{{ID: cfg.Node.ID, Address: address}}
	}
	peers := make([]consensus.Peer, 0, len(cfg.Cluster.Peers))
	for _, peer := range cfg.Cluster.Peers {
		peers = append(peers, consensus.Peer{ID: peer.ID, Address: peer.RaftAddress})
	}
	return peers
}

// newTransport builds the bridge transport and, when forwarding is
// enabled, the matching forwarder for reaching peer bridges.
func newTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, bridge.Forwarder, error) {
	switch cfg.Bridge.Transport {
	case config.TransportZMQ:
		var forwarder bridge.Forwarder
		if cfg.ForwardingEnabled() {
			forwarder = zmq.Forwarder{}
		}
		return zmq.New(cfg.Bridge.Listen, logger), forwarder, nil
	default:
		network, address, err := transport.ParseAddress(cfg.Bridge.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("bridge.listen: %w", err)
		}
		var forwarder bridge.Forwarder
		if cfg.ForwardingEnabled() {
			forwarder = transport.SocketForwarder{}
		}
		return transport.NewSocketTransport(network, address, logger), forwarder, nil
	}
}
