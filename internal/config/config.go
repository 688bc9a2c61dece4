// Package config loads and validates the node configuration.
//
// Configuration is a YAML file plus a handful of flag overrides applied by
// cmd/server. Validation is strict: a node with an invalid configuration
// refuses to start (CONFIG_INVALID) rather than limping along with defaults
// that would split the cluster.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"distributed-search/internal/fault"
)

// Peer is one statically configured cluster member.
type Peer struct {
	NodeID        string `yaml:"node_id"`
	RPCAddr       string `yaml:"rpc_addr"`
	HeartbeatAddr string `yaml:"heartbeat_addr"`
	Zone          string `yaml:"zone"`
}

// Timers groups every protocol interval. Zero values are replaced by
// defaults in ApplyDefaults.
type Timers struct {
	Heartbeat   time.Duration `yaml:"t_hb"`        // heartbeat emit interval
	Timeout     time.Duration `yaml:"t_timeout"`   // peer declared OFFLINE after this silence
	Election    time.Duration `yaml:"t_elect"`     // wait for ELECTION_OK before claiming leadership
	Coordinator time.Duration `yaml:"t_coord"`     // wait for COORDINATOR after yielding
	Bootstrap   time.Duration `yaml:"t_bootstrap"` // boot grace before the first election
	Query       time.Duration `yaml:"t_query"`     // query fan-out deadline
	Replication time.Duration `yaml:"t_repl"`      // per-replica write deadline
	Snapshot    time.Duration `yaml:"t_snap"`      // location-index snapshot interval
}

// Config is the full node configuration.
type Config struct {
	NodeID        string `yaml:"node_id"`
	BindHeartbeat string `yaml:"bind_heartbeat"`
	BindRPC       string `yaml:"bind_rpc"`
	BindHTTP      string `yaml:"bind_http"`

	Peers []Peer `yaml:"peers"`

	Timers Timers `yaml:"timers"`

	ReplicationFactor int    `yaml:"k"`             // K total holders per document
	MaxCandidates     int    `yaml:"max_candidates"` // locate_query default fan-out
	Zone              string `yaml:"zone"`           // failure-domain label for this node

	AllowDynamicPeers bool   `yaml:"allow_dynamic_peers"`
	SnapshotDir       string `yaml:"snapshot_dir"`
	DataDir           string `yaml:"data_dir"` // local search provider storage

	LogLevel string `yaml:"log_level"`

	// AuthVerifierAddr, when set, is the external service consulted for the
	// opaque per-request credential check. Empty disables the check.
	AuthVerifierAddr string `yaml:"auth_verifier_addr"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", fault.ErrConfigInvalid, path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the protocol defaults.
func (c *Config) ApplyDefaults() {
	if c.Timers.Heartbeat == 0 {
		c.Timers.Heartbeat = 5 * time.Second
	}
	if c.Timers.Timeout == 0 {
		c.Timers.Timeout = 3 * c.Timers.Heartbeat
	}
	if c.Timers.Election == 0 {
		c.Timers.Election = 500 * time.Millisecond
	}
	if c.Timers.Coordinator == 0 {
		c.Timers.Coordinator = 2 * c.Timers.Election
	}
	if c.Timers.Bootstrap == 0 {
		c.Timers.Bootstrap = 2 * c.Timers.Heartbeat
	}
	if c.Timers.Query == 0 {
		c.Timers.Query = 3 * time.Second
	}
	if c.Timers.Replication == 0 {
		c.Timers.Replication = 5 * time.Second
	}
	if c.Timers.Snapshot == 0 {
		c.Timers.Snapshot = 60 * time.Second
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 2
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 3
	}
	if c.BindHTTP == "" {
		c.BindHTTP = ":8080"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "data/snapshots"
	}
	if c.DataDir == "" {
		c.DataDir = "data/index"
	}
}

// Validate enforces §6.3. Every failure wraps CONFIG_INVALID.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", fault.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	if c.NodeID == "" {
		return fail("node_id is required")
	}
	for _, bind := range []struct{ name, addr string }{
		{"bind_heartbeat", c.BindHeartbeat},
		{"bind_rpc", c.BindRPC},
		{"bind_http", c.BindHTTP},
	} {
		if bind.addr == "" {
			return fail("%s is required", bind.name)
		}
		if _, _, err := net.SplitHostPort(bind.addr); err != nil {
			return fail("%s %q: %v", bind.name, bind.addr, err)
		}
	}

	seen := map[string]bool{c.NodeID: true}
	for i, p := range c.Peers {
		if p.NodeID == "" {
			return fail("peers[%d]: node_id is required", i)
		}
		if seen[p.NodeID] {
			return fail("peers[%d]: duplicate node_id %q", i, p.NodeID)
		}
		seen[p.NodeID] = true
		if _, _, err := net.SplitHostPort(p.RPCAddr); err != nil {
			return fail("peers[%d] rpc_addr %q: %v", i, p.RPCAddr, err)
		}
		if _, _, err := net.SplitHostPort(p.HeartbeatAddr); err != nil {
			return fail("peers[%d] heartbeat_addr %q: %v", i, p.HeartbeatAddr, err)
		}
	}

	if c.ReplicationFactor < 1 {
		return fail("k must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.ReplicationFactor > len(c.Peers)+1 {
		return fail("k=%d exceeds cluster size %d", c.ReplicationFactor, len(c.Peers)+1)
	}
	if c.MaxCandidates < 1 {
		return fail("max_candidates must be >= 1, got %d", c.MaxCandidates)
	}
	if c.Timers.Timeout <= c.Timers.Heartbeat {
		return fail("t_timeout (%s) must exceed t_hb (%s)", c.Timers.Timeout, c.Timers.Heartbeat)
	}
	return nil
}

// ClusterSize is the configured cluster size including self.
func (c *Config) ClusterSize() int {
	return len(c.Peers) + 1
}

// QuorumTarget is the write quorum for the configured replication factor.
func (c *Config) QuorumTarget() int {
	return (c.ReplicationFactor + 2) / 2 // ⌈(K+1)/2⌉
}

// SortedPeerIDs returns peer node ids in ascending order, self excluded.
func (c *Config) SortedPeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.NodeID)
	}
	sort.Strings(ids)
	return ids
}
