// Package config loads and validates the ctkeys configuration surface.
package config

/*
ctkeys — Certificate Transparency RSA key harvesting pipeline
Copyright (C) 2026  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Shard completion policies. Placeholder mode commits shards whose failed
// indices are recorded as explicit placeholder rows; strict mode refetches
// the whole shard until every index resolves.
const (
	PolicyPlaceholder = "placeholder"
	PolicyStrict      = "strict"
)

// Config holds every recognized option. Field names map 1:1 to the YAML
// keys and to CTKEYS_* environment variables.
type Config struct {
	LogBaseURL       string        `mapstructure:"log_base_url"`
	ShardSize        uint64        `mapstructure:"shard_size"`
	Concurrency      int           `mapstructure:"concurrency"`
	TargetCount      uint64        `mapstructure:"target_count"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	ShardPolicy      string        `mapstructure:"shard_policy"`
	DataDir          string        `mapstructure:"data_dir"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	SolverCommand    []string      `mapstructure:"solver_command"`
	LogLevel         string        `mapstructure:"log_level"`
	Development      bool          `mapstructure:"development"`
}

// Load reads configuration from an optional YAML file, applying defaults and
// CTKEYS_* environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_base_url", "https://ct.googleapis.com/logs/eu1/xenon2026")
	v.SetDefault("shard_size", 10000)
	v.SetDefault("concurrency", 10)
	v.SetDefault("target_count", 1000000)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("max_retry_attempts", 5)
	v.SetDefault("rate_limit", 100.0)
	v.SetDefault("shard_policy", PolicyPlaceholder)
	v.SetDefault("data_dir", "data")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)

	v.SetEnvPrefix("CTKEYS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.LogBaseURL == "" {
		return fmt.Errorf("log_base_url must be set")
	}
	if c.ShardSize == 0 {
		return fmt.Errorf("shard_size must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max_retry_attempts must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ShardPolicy != PolicyPlaceholder && c.ShardPolicy != PolicyStrict {
		return fmt.Errorf("shard_policy must be %q or %q", PolicyPlaceholder, PolicyStrict)
	}
	return nil
}

// Derived paths under DataDir. The layout mirrors the stage order:
// raw shards in, parsed partitions out, bucket manifests for the solver.

func (c *Config) CheckpointPath() string { return filepath.Join(c.DataDir, "state.json") }
func (c *Config) ShardDir() string       { return filepath.Join(c.DataDir, "raw") }
func (c *Config) DatasetDir() string     { return filepath.Join(c.DataDir, "parsed") }
func (c *Config) CatalogPath() string    { return filepath.Join(c.DataDir, "catalog.db") }
func (c *Config) BucketDir() string      { return filepath.Join(c.DataDir, "buckets") }
