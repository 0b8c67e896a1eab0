// Package config loads the engine's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/coa"
	"github.com/codelaboratoryltd/aaa/pkg/nas"
	"github.com/codelaboratoryltd/aaa/pkg/ratelimit"
	"github.com/codelaboratoryltd/aaa/pkg/server"
	"github.com/codelaboratoryltd/aaa/pkg/subscriber"
)

// Config is the full engine configuration.
type Config struct {
	Server    server.Config    `yaml:"server"`
	Auth      auth.Config      `yaml:"auth"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	CoA       coa.Config       `yaml:"coa"`

	// NASCacheTTL bounds how long a resolved NAS record is reused.
	NASCacheTTL time.Duration `yaml:"nas_cache_ttl"`

	// Redis selects the shared session store. An empty addr keeps
	// sessions in memory.
	Redis accounting.RedisConfig `yaml:"redis"`

	// MetricsAddress serves /metrics and /healthz (default :9090).
	MetricsAddress string `yaml:"metrics_address"`

	// NAS seeds the static NAS directory.
	NAS []*nas.Record `yaml:"nas"`

	// Subscribers seeds the static subscriber directory.
	Subscribers []*subscriber.Record `yaml:"subscribers"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server:         server.DefaultConfig(),
		Auth:           auth.DefaultConfig(),
		RateLimit:      ratelimit.DefaultConfig(),
		CoA:            coa.DefaultConfig(),
		NASCacheTTL:    nas.DefaultCacheTTL,
		MetricsAddress: ":9090",
	}
}

// Load reads and validates the config file at path. A missing file yields
// the defaults; seeds are then expected from another directory backend.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configs the engine could not run with.
func (c *Config) Validate() error {
	for i, record := range c.NAS {
		if record.ID == "" {
			return fmt.Errorf("nas[%d]: id required", i)
		}
		if record.Address == "" && record.VPNAddress == "" {
			return fmt.Errorf("nas %s: address required", record.ID)
		}
		if record.Secret == "" {
			return fmt.Errorf("nas %s: secret required", record.ID)
		}
	}

	for i, sub := range c.Subscribers {
		if sub.Username == "" {
			return fmt.Errorf("subscribers[%d]: username required", i)
		}
	}

	if c.NASCacheTTL < 0 {
		return fmt.Errorf("nas_cache_ttl must not be negative")
	}
	return nil
}
