// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path
// from.
const EnvironmentVariable = "FORGE_MAILBOX_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Transport names accepted by bridge.transport.
const (
	TransportSocket = "socket"
	TransportZMQ    = "zmq"
)

// Config is the master configuration for a forge-mailbox node.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Eviction  EvictionConfig  `yaml:"eviction"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Per-environment overrides, decoded over the base config when
	// Environment matches.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// NodeConfig identifies this replica.
type NodeConfig struct {
	// ID is the raft server id. It must appear in cluster.peers when
	// the peer list is non-empty.
	ID string `yaml:"id"`

	// RaftAddress is the host:port the raft transport binds.
	RaftAddress string `yaml:"raft_address"`

	// AdvertiseAddress is the raft address other peers dial. Defaults
	// to RaftAddress.
	AdvertiseAddress string `yaml:"advertise_address"`

	// DataDir holds the raft log, stable store, and snapshots.
	DataDir string `yaml:"data_dir"`

	// Bootstrap forms a new cluster from cluster.peers if this node
	// has no existing raft state.
	Bootstrap bool `yaml:"bootstrap"`
}

// ClusterConfig lists the voting members.
type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig is one cluster member.
type PeerConfig struct {
	ID          string `yaml:"id"`
	RaftAddress string `yaml:"raft_address"`

	// BridgeAddress is where the peer's bridge listens, used when
	// forwarding requests to the leader. Forms: unix:///path,
	// tcp://host:port.
	BridgeAddress string `yaml:"bridge_address"`
}

// BridgeConfig configures the request/reply bridge.
type BridgeConfig struct {
	// Transport is "socket" or "zmq".
	Transport string `yaml:"transport"`

	// Listen is the bridge listen address. For the socket transport:
	// unix:///path or tcp://host:port. For zmq: a zmq endpoint such as
	// tcp://127.0.0.1:7401.
	Listen string `yaml:"listen"`

	// Pattern is the routing-key pattern to subscribe to. Empty means
	// the whole mailbox namespace.
	Pattern string `yaml:"pattern"`

	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRestarts    int           `yaml:"max_restarts"`

	// Forward relays requests that reach a follower to the leader's
	// bridge instead of answering "not leader". Unset means on
	// whenever a cluster peer declares a bridge_address; see
	// ForwardingEnabled.
	Forward *bool `yaml:"forward"`
}

// ConsensusConfig tunes the raft group.
type ConsensusConfig struct {
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotRetain    int           `yaml:"snapshot_retain"`
}

// EvictionConfig configures idle mailbox eviction. A zero IdleTTL
// disables it.
type EvictionConfig struct {
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the default configuration. Values from the file are
// decoded over it.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "mailbox-1"
	}

	return &Config{
		Environment: Development,
		Node: NodeConfig{
			ID:          hostname,
			RaftAddress: "127.0.0.1:7400",
			DataDir:     "${HOME}/.local/state/forge-mailbox",
		},
		Bridge: BridgeConfig{
			Transport:      TransportSocket,
			Listen:         "unix://${FORGE_MAILBOX_DATA}/mailbox.sock",
			SubmitTimeout:  5 * time.Second,
			MaxInFlight:    64,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			MaxRestarts:    8,
		},
		Consensus: ConsensusConfig{
			ApplyTimeout:      5 * time.Second,
			HeartbeatTimeout:  time.Second,
			ElectionTimeout:   time.Second,
			SnapshotThreshold: 8192,
			SnapshotInterval:  2 * time.Minute,
			SnapshotRetain:    2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the FORGE_MAILBOX_CONFIG environment
// variable. It fails if the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your forge-mailbox config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// matching environment section, and expands variables. It does not
// validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.expandVariables()

	return cfg, nil
}

// loadFile decodes a single file over the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so the stripped document goes
		// through the same decoder and duration handling.
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides decodes the section for c.Environment over
// c. Fields the section does not name keep their values.
func (c *Config) applyEnvironmentOverrides() error {
	var overrides yaml.Node

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides.Kind == 0 {
			c.Logging.Format = "json"
			return nil
		}
	}

	if overrides.Kind == 0 {
		return nil
	}
	if overrides.Kind != yaml.MappingNode {
		return fmt.Errorf("%s section must be a mapping", c.Environment)
	}
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("applying %s section: %w", c.Environment, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths
// and addresses.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Node.DataDir = expandVars(c.Node.DataDir, vars)
	vars["FORGE_MAILBOX_DATA"] = c.Node.DataDir

	c.Node.ID = expandVars(c.Node.ID, vars)
	c.Node.RaftAddress = expandVars(c.Node.RaftAddress, vars)
	c.Node.AdvertiseAddress = expandVars(c.Node.AdvertiseAddress, vars)
	c.Bridge.Listen = expandVars(c.Bridge.Listen, vars)
	for i := range c.Cluster.Peers {
		c.Cluster.Peers[i].RaftAddress = expandVars(c.Cluster.Peers[i].RaftAddress, vars)
		c.Cluster.Peers[i].BridgeAddress = expandVars(c.Cluster.Peers[i].BridgeAddress, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.RaftAddress == "" {
		errs = append(errs, errors.New("node.raft_address is required"))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}

	seen := make(map[string]bool, len(c.Cluster.Peers))
	self := false
	for i, peer := range c.Cluster.Peers {
		if peer.ID == "" {
			errs = append(errs, fmt.Errorf("cluster.peers[%d].id is required", i))
			continue
		}
		if seen[peer.ID] {
			errs = append(errs, fmt.Errorf("cluster.peers[%d]: duplicate id %q", i, peer.ID))
		}
		seen[peer.ID] = true
		if peer.RaftAddress == "" {
			errs = append(errs, fmt.Errorf("cluster.peers[%d].raft_address is required", i))
		}
		if peer.ID == c.Node.ID {
			self = true
		}
	}
	if len(c.Cluster.Peers) > 0 && !self {
		errs = append(errs, fmt.Errorf("node.id %q is not listed in cluster.peers", c.Node.ID))
	}

	switch c.Bridge.Transport {
	case TransportSocket, TransportZMQ:
	default:
		errs = append(errs, fmt.Errorf("bridge.transport must be one of: %s, %s", TransportSocket, TransportZMQ))
	}
	if c.Bridge.Listen == "" {
		errs = append(errs, errors.New("bridge.listen is required"))
	}
	if c.Bridge.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("bridge.submit_timeout must be positive"))
	}
	if c.Bridge.MaxInFlight <= 0 {
		errs = append(errs, errors.New("bridge.max_in_flight must be positive"))
	}
	if c.Bridge.InitialBackoff <= 0 || c.Bridge.MaxBackoff < c.Bridge.InitialBackoff {
		errs = append(errs, errors.New("bridge backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Bridge.MaxRestarts <= 0 {
		errs = append(errs, errors.New("bridge.max_restarts must be positive"))
	}

	if c.Consensus.ApplyTimeout <= 0 {
		errs = append(errs, errors.New("consensus.apply_timeout must be positive"))
	}
	if c.Consensus.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("consensus.heartbeat_timeout must be positive"))
	}
	if c.Consensus.ElectionTimeout < c.Consensus.HeartbeatTimeout {
		errs = append(errs, errors.New("consensus.election_timeout must be at least heartbeat_timeout"))
	}
	if c.Consensus.SnapshotRetain < 1 {
		errs = append(errs, errors.New("consensus.snapshot_retain must be at least 1"))
	}

	if c.Eviction.IdleTTL < 0 || c.Eviction.Interval < 0 {
		errs = append(errs, errors.New("eviction durations must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error (got %q)", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BridgeAddresses maps peer ids to their bridge addresses, omitting
// peers without one.
func (c *Config) BridgeAddresses() map[string]string {
	addresses := make(map[string]string, len(c.Cluster.Peers))
	for _, peer := range c.Cluster.Peers {
		if peer.BridgeAddress != "" {
			addresses[peer.ID] = peer.BridgeAddress
		}
	}
	return addresses
}

// ForwardingEnabled reports whether followers relay requests to the
// leader's bridge. An explicit bridge.forward wins; otherwise
// forwarding is on when any peer has a bridge address to relay to.
func (c *Config) ForwardingEnabled() bool {
	if c.Bridge.Forward != nil {
		return *c.Bridge.Forward
	}
	return len(c.BridgeAddresses()) > 0
}

// EnsureDataDir creates the node data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Node.DataDir, err)
	}
	return nil
}
