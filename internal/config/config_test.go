package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	content := `
[node]
identity_path = "/var/lib/meshcompute/id"
max_parallel = 4

[[node.peers]]
id = "w1"
addr = "/ip4/10.0.0.2/tcp/4001/p2p/12D3KooWexample"
capacity = 8
latency_hint_ms = 12.5

[limits]
max_execution_time = "250ms"

[scheduler]
redundancy_k = 5
deadline_margin = "1s"

[log]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/meshcompute/id", cfg.Node.IdentityPath)
	assert.Equal(t, 4, cfg.Node.MaxParallel)
	require.Len(t, cfg.Node.Peers, 1)
	assert.Equal(t, "w1", cfg.Node.Peers[0].ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits.MaxExecutionTime.Duration)
	assert.Equal(t, 5, cfg.Scheduler.RedundancyK)
	assert.Equal(t, time.Second, cfg.Scheduler.DeadlineMargin.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 0.85, cfg.Trust.Decay)
	assert.Equal(t, uint64(64<<20), cfg.Limits.MaxMemoryBytes)
}

func TestValidate_RejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero memory ceiling", func(c *Config) { c.Limits.MaxMemoryBytes = 0 }},
		{"redundancy below majority", func(c *Config) { c.Scheduler.RedundancyK = 1 }},
		{"negative retries", func(c *Config) { c.Scheduler.RetryLimit = -1 }},
		{"decay out of range", func(c *Config) { c.Trust.Decay = 1.0 }},
		{"trust escapes unit interval", func(c *Config) { c.Trust.WeightSuccess = 0.3 }},
		{"inverted thresholds", func(c *Config) { c.Trust.QuarantineThreshold = 0.9 }},
		{"peer without addr", func(c *Config) { c.Node.Peers = []PeerConfig{{ID: "w1"}} }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
