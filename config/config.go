// Package config loads the YAML configuration that drives the
// chainindexd CLI: which chains to watch, where their RPC endpoints
// and the backing MongoDB live, and the ingestion engine's tunables.
// The engine itself never depends on this package.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainConfig describes a single chain to ingest.
type ChainConfig struct {
	ChainID    uint64 `yaml:"chainId"`
	RPC        string `yaml:"rpc"`
	StartBlock uint64 `yaml:"startBlock"`
}

// MongoConfig describes the backing document store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// CollectionConfig registers one store collection's versioning mode.
// Mode must be "mutable" or "immutable".
type CollectionConfig struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`
}

// Config is the top-level shape of a chainindexd YAML config file.
type Config struct {
	Mongo       MongoConfig        `yaml:"mongo"`
	Chains      []ChainConfig      `yaml:"chains"`
	Collections []CollectionConfig `yaml:"collections"`
	StagingDir  string             `yaml:"stagingDir"`
	Concurrency int                `yaml:"concurrency"`
	Timeout     time.Duration      `yaml:"timeout"`
	ReadOnly    bool               `yaml:"readOnly"`
	NewDb       bool               `yaml:"newDb"`
	WarmDb      bool               `yaml:"warmDb"`
	Cleanup     bool               `yaml:"cleanup"`
	Silent      bool               `yaml:"silent"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		StagingDir:  "./staging",
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("config: mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("config: mongo.database is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.RPC == "" {
			return fmt.Errorf("config: chain %d missing rpc endpoint", ch.ChainID)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("config: chain %d configured more than once", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}
	for _, c := range c.Collections {
		if c.Mode != "mutable" && c.Mode != "immutable" {
			return fmt.Errorf("config: collection %q has invalid mode %q", c.Name, c.Mode)
		}
	}
	return nil
}
