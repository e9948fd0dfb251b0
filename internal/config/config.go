// Package config loads the options recognized by spec §6 from YAML,
// following the pack's convention (sanketsaagar-Litechain) of a typed
// config struct decoded with gopkg.in/yaml.v3 rather than ad-hoc flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Consensus holds consensus.* options.
type Consensus struct {
	MaxTransactionThreshold uint32 `yaml:"maxTransactionThreshold"`
	MaxObservationThreshold uint32 `yaml:"maxObservationThreshold"`
}

// Constellation holds constellation.* options.
type Constellation struct {
	Consensus struct {
		FormCheckpointBlocksTimeout time.Duration `yaml:"form-checkpoint-blocks-timeout"`
	} `yaml:"consensus"`
	Cache struct {
		ExpireAfterMinCache uint32 `yaml:"expire-after-min.cache"`
	} `yaml:"cache"`
}

// Config is the top-level configuration document.
type Config struct {
	Consensus     Consensus     `yaml:"consensus"`
	Constellation Constellation `yaml:"constellation"`
}

// Default returns the configuration with the values named as defaults in
// spec §4.1 and §6 (10 min proposal TTL, 45s round timeout).
func Default() Config {
	var c Config
	c.Consensus.MaxTransactionThreshold = 500
	c.Consensus.MaxObservationThreshold = 500
	c.Constellation.Consensus.FormCheckpointBlocksTimeout = 45 * time.Second
	c.Constellation.Cache.ExpireAfterMinCache = 10
	return c
}

// Load reads and parses a YAML config file, filling in spec-default
// values for anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ProposalBufferTTL is the proposal-cache TTL as a time.Duration.
func (c Config) ProposalBufferTTL() time.Duration {
	return time.Duration(c.Constellation.Cache.ExpireAfterMinCache) * time.Minute
}

// RoundTimeout is the whole-round timeout used by cleanLongRunning.
func (c Config) RoundTimeout() time.Duration {
	return c.Constellation.Consensus.FormCheckpointBlocksTimeout
}
