// Package config loads node configuration from TOML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full node configuration
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Limits    LimitsConfig    `toml:"limits"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Trust     TrustConfig     `toml:"trust"`
	Log       LogConfig       `toml:"log"`
}

// NodeConfig identifies this node on the mesh
type NodeConfig struct {
	// IdentityPath stores the libp2p keypair so the peer ID survives
	// restarts.
	IdentityPath string `toml:"identity_path"`
	// Peers are multiaddresses of workers to attach at startup.
	Peers []PeerConfig `toml:"peers"`
	// MaxParallel caps concurrently inflight tasks per job.
	MaxParallel int `toml:"max_parallel"`
}

// PeerConfig describes one remote worker
type PeerConfig struct {
	ID            string  `toml:"id"`
	Addr          string  `toml:"addr"`
	Capacity      int     `toml:"capacity"`
	LatencyHintMs float64 `toml:"latency_hint_ms"`
}

// LimitsConfig is the default resource envelope applied to jobs that do
// not carry their own
type LimitsConfig struct {
	MaxMemoryBytes   uint64   `toml:"max_memory_bytes"`
	MaxCPUCycles     uint64   `toml:"max_cpu_cycles"`
	MaxExecutionTime duration `toml:"max_execution_time"`
	MaxStackBytes    uint64   `toml:"max_stack_bytes"`
}

// SchedulerConfig tunes dispatch policy
type SchedulerConfig struct {
	RetryLimit      int      `toml:"retry_limit"`
	DeadlineMargin  duration `toml:"deadline_margin"`
	RedundancyK     int      `toml:"redundancy_k"`
	BreakerFailures uint32   `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
}

// TrustConfig tunes the worker trust model
type TrustConfig struct {
	Decay               float64 `toml:"decay"`
	WeightSuccess       float64 `toml:"weight_success"`
	DefaultTrust        float64 `toml:"default_trust"`
	QuarantineThreshold float64 `toml:"quarantine_threshold"`
	TrustedThreshold    float64 `toml:"trusted_threshold"`
	LatencyAlpha        float64 `toml:"latency_alpha"`
}

// LogConfig controls structured logging output
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// duration lets TOML carry values like "500ms"
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration a node runs with when no file is given
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			IdentityPath: "meshcompute.identity",
			MaxParallel:  16,
		},
		Limits: LimitsConfig{
			MaxMemoryBytes:   64 << 20,
			MaxCPUCycles:     1 << 30,
			MaxExecutionTime: duration{10 * time.Second},
			MaxStackBytes:    1 << 20,
		},
		Scheduler: SchedulerConfig{
			RetryLimit:      3,
			DeadlineMargin:  duration{500 * time.Millisecond},
			RedundancyK:     3,
			BreakerFailures: 3,
			BreakerCooldown: duration{30 * time.Second},
		},
		Trust: TrustConfig{
			Decay:               0.85,
			WeightSuccess:       0.15,
			DefaultTrust:        0.5,
			QuarantineThreshold: 0.25,
			TrustedThreshold:    0.7,
			LatencyAlpha:        0.2,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a TOML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations a node cannot safely run with
func (c *Config) Validate() error {
	if c.Limits.MaxMemoryBytes == 0 || c.Limits.MaxCPUCycles == 0 ||
		c.Limits.MaxExecutionTime.Duration <= 0 || c.Limits.MaxStackBytes == 0 {
		return fmt.Errorf("every resource ceiling must be positive")
	}
	if c.Scheduler.RedundancyK < 2 {
		return fmt.Errorf("redundancy_k %d cannot form a majority", c.Scheduler.RedundancyK)
	}
	if c.Scheduler.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}
	if c.Trust.Decay <= 0 || c.Trust.Decay >= 1 {
		return fmt.Errorf("trust decay %v must be in (0,1)", c.Trust.Decay)
	}
	if c.Trust.Decay+c.Trust.WeightSuccess > 1 {
		return fmt.Errorf("decay + weight_success %v exceeds 1, trust would escape [0,1]",
			c.Trust.Decay+c.Trust.WeightSuccess)
	}
	if c.Trust.QuarantineThreshold >= c.Trust.TrustedThreshold {
		return fmt.Errorf("quarantine_threshold must sit below trusted_threshold")
	}
	for _, p := range c.Node.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peer entries need both id and addr")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
