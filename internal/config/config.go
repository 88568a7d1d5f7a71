// Package config loads the node's TOML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// StorageConfig selects and tunes the persistence engine.
type StorageConfig struct {
	// Backend is "bolt" or "leveldb".
	Backend string `toml:"backend"`
	// MaxHistory bounds per-store undo depth (0 uses the built-in default).
	MaxHistory int `toml:"max_history"`
}

// ChainConfig holds the chain constants.
type ChainConfig struct {
	WithdrawalEpochLength    int32  `toml:"withdrawal_epoch_length"`
	ConsensusSecondsPerEpoch uint64 `toml:"consensus_seconds_per_epoch"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Config is the node configuration.
type Config struct {
	DataDir string        `toml:"data_dir"`
	Storage StorageConfig `toml:"storage"`
	Chain   ChainConfig   `toml:"chain"`
	Metrics MetricsConfig `toml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Storage: StorageConfig{Backend: "bolt"},
		Chain: ChainConfig{
			WithdrawalEpochLength:    100,
			ConsensusSecondsPerEpoch: 86400,
		},
		Metrics: MetricsConfig{ListenAddr: "127.0.0.1:9090"},
	}
}

// Load reads and validates a TOML configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible configurations.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	switch c.Storage.Backend {
	case "bolt", "leveldb":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.MaxHistory < 0 {
		return fmt.Errorf("config: max_history must not be negative")
	}
	if c.Chain.WithdrawalEpochLength <= 0 {
		return fmt.Errorf("config: withdrawal_epoch_length must be positive")
	}
	if c.Chain.ConsensusSecondsPerEpoch == 0 {
		return fmt.Errorf("config: consensus_seconds_per_epoch must be positive")
	}
	return nil
}
