package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-search/internal/fault"
)

func validConfig() *Config {
	c := &Config{
		NodeID:        "node-a",
		BindHeartbeat: "127.0.0.1:5000",
		BindRPC:       "127.0.0.1:5100",
		BindHTTP:      "127.0.0.1:8080",
		Peers: []Peer{
			{NodeID: "node-b", RPCAddr: "127.0.0.1:5101", HeartbeatAddr: "127.0.0.1:5001"},
			{NodeID: "node-c", RPCAddr: "127.0.0.1:5102", HeartbeatAddr: "127.0.0.1:5002"},
		},
	}
	c.ApplyDefaults()
	return c
}

func TestDefaults(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 5*time.Second, c.Timers.Heartbeat)
	assert.Equal(t, 15*time.Second, c.Timers.Timeout)
	assert.Equal(t, 10*time.Second, c.Timers.Bootstrap)
	assert.Equal(t, 60*time.Second, c.Timers.Snapshot)
	assert.Equal(t, 2, c.ReplicationFactor)
	assert.Equal(t, 3, c.MaxCandidates)
}

func TestQuorumTarget(t *testing.T) {
	c := validConfig()

	c.ReplicationFactor = 2
	assert.Equal(t, 2, c.QuorumTarget())

	c.ReplicationFactor = 3
	assert.Equal(t, 2, c.QuorumTarget())

	c.ReplicationFactor = 1
	assert.Equal(t, 1, c.QuorumTarget())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"bad bind addr", func(c *Config) { c.BindRPC = "no-port" }},
		{"duplicate peer id", func(c *Config) { c.Peers[1].NodeID = "node-b" }},
		{"peer id collides with self", func(c *Config) { c.Peers[0].NodeID = "node-a" }},
		{"k exceeds cluster", func(c *Config) { c.ReplicationFactor = 5 }},
		{"timeout equal to heartbeat", func(c *Config) { c.Timers.Timeout = c.Timers.Heartbeat }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrConfigInvalid), "expected CONFIG_INVALID, got %v", err)
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestLoadFromFile(t *testing.T) {
	raw := `
node_id: node-a
bind_heartbeat: "127.0.0.1:5000"
bind_rpc: "127.0.0.1:5100"
bind_http: "127.0.0.1:8080"
peers:
  - node_id: node-b
    rpc_addr: "127.0.0.1:5101"
    heartbeat_addr: "127.0.0.1:5001"
timers:
  t_hb: 100ms
  t_timeout: 300ms
k: 2
zone: rack-1
allow_dynamic_peers: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, 100*time.Millisecond, cfg.Timers.Heartbeat)
	assert.Equal(t, 300*time.Millisecond, cfg.Timers.Timeout)
	assert.True(t, cfg.AllowDynamicPeers)
	assert.Equal(t, "rack-1", cfg.Zone)
	assert.Equal(t, 2, cfg.ClusterSize())
	assert.Equal(t, []string{"node-b"}, cfg.SortedPeerIDs())
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConfigInvalid))
}
