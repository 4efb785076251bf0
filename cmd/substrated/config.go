package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	substrate "github.com/agentsubstrate/substrate"
)

// fileConfig is the YAML shape of a substrated config file. All fields are
// optional; zero values fall back to the engine defaults.
type fileConfig struct {
	DurabilityMode          string `yaml:"durability_mode"`
	BufferedFlushIntervalMS int    `yaml:"buffered_flush_interval_ms"`
	BufferedFlushMaxCommits int    `yaml:"buffered_flush_max_commits"`
	TransactionRetryBudget  int    `yaml:"transaction_retry_budget"`
	TTLSweepIntervalMS      int    `yaml:"ttl_sweep_interval_ms"`
	WALMaxEntrySizeBytes    int    `yaml:"wal_max_entry_size_bytes"`
}

// loadConfig turns a YAML config file into engine options.
func loadConfig(path string) ([]substrate.Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var opts []substrate.Option
	switch cfg.DurabilityMode {
	case "":
	case "strict":
		opts = append(opts, substrate.WithDurability(substrate.DurabilityStrict))
	case "buffered":
		opts = append(opts, substrate.WithDurability(substrate.DurabilityBuffered))
	case "in_memory":
		opts = append(opts, substrate.WithDurability(substrate.DurabilityInMemory))
	default:
		return nil, fmt.Errorf("unknown durability_mode %q", cfg.DurabilityMode)
	}
	if cfg.BufferedFlushIntervalMS > 0 || cfg.BufferedFlushMaxCommits > 0 {
		interval := time.Duration(cfg.BufferedFlushIntervalMS) * time.Millisecond
		opts = append(opts, substrate.WithBufferedFlush(interval, cfg.BufferedFlushMaxCommits))
	}
	if cfg.TransactionRetryBudget > 0 {
		opts = append(opts, substrate.WithRetryBudget(cfg.TransactionRetryBudget))
	}
	if cfg.TTLSweepIntervalMS > 0 {
		opts = append(opts, substrate.WithTTLSweepInterval(time.Duration(cfg.TTLSweepIntervalMS)*time.Millisecond))
	}
	if cfg.WALMaxEntrySizeBytes > 0 {
		opts = append(opts, substrate.WithWALMaxEntrySize(cfg.WALMaxEntrySizeBytes))
	}
	return opts, nil
}
