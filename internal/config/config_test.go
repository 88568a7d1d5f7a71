package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/sidechain"

[storage]
backend = "leveldb"
max_history = 500

[chain]
withdrawal_epoch_length = 50
consensus_seconds_per_epoch = 3600

[metrics]
listen_addr = "0.0.0.0:9100"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/sidechain" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.MaxHistory != 500 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Chain.WithdrawalEpochLength != 50 {
		t.Errorf("Chain = %+v", cfg.Chain)
	}
	if cfg.Metrics.ListenAddr != "0.0.0.0:9100" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `data_dir = "d"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Storage.Backend != def.Storage.Backend {
		t.Error("missing storage section should keep the default backend")
	}
	if cfg.Chain.WithdrawalEpochLength != def.Chain.WithdrawalEpochLength {
		t.Error("missing chain section should keep defaults")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "rocksdb" }},
		{"negative history", func(c *Config) { c.Storage.MaxHistory = -1 }},
		{"zero epoch length", func(c *Config) { c.Chain.WithdrawalEpochLength = 0 }},
		{"zero epoch seconds", func(c *Config) { c.Chain.ConsensusSecondsPerEpoch = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfig(t, "data_dir = [broken")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed toml")
	}
}
