// Package config holds the safepoint tunables. Values come from an
// optional YAML file with environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	ENV_CONFIG              = "QUIESCE_CONFIG"
	ENV_TIMEOUT_MS          = "QUIESCE_TIMEOUT_MS"
	ENV_ABORT_ON_TIMEOUT    = "QUIESCE_ABORT_ON_TIMEOUT"
	ENV_CLEANUP_PARALLELISM = "QUIESCE_CLEANUP_PARALLELISM"
)

// Config is the set of safepoint tunables. None of them are
// safety-critical; they shape tail latency and failure reporting.
type Config struct {
	// TimeoutDelayMillis bounds how long the coordinator waits for all
	// workers to reach safety before reporting a timeout. 0 disables
	// timeout reporting.
	TimeoutDelayMillis int64 `yaml:"timeout_delay_ms"`

	// AbortOnTimeout makes a safepoint timeout fatal instead of a
	// report-and-keep-spinning condition.
	AbortOnTimeout bool `yaml:"abort_on_timeout"`

	// FineBackoffBandMillis is how long the coordinator spins with
	// fine-grained sleeps before switching to millisecond sleeps while
	// waiting for workers.
	FineBackoffBandMillis int64 `yaml:"fine_backoff_band_ms"`

	// CleanupParallelism is the number of dispatcher workers that claim
	// cleanup subtasks. 0 or 1 runs the set serially on the
	// coordinator.
	CleanupParallelism int `yaml:"cleanup_parallelism"`
}

// Default returns the tunables used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		TimeoutDelayMillis:    10_000,
		AbortOnTimeout:        false,
		FineBackoffBandMillis: 1,
		CleanupParallelism:    0,
	}
}

// TimeoutDelay returns the timeout as a duration; 0 means disabled.
func (c Config) TimeoutDelay() time.Duration {
	return time.Duration(c.TimeoutDelayMillis) * time.Millisecond
}

// FineBackoffBand returns the fine-sleep band as a duration.
func (c Config) FineBackoffBand() time.Duration {
	return time.Duration(c.FineBackoffBandMillis) * time.Millisecond
}

// Load builds the config: defaults, then the YAML file at path (or
// $QUIESCE_CONFIG when path is empty), then environment overrides. A
// missing file is only an error when it was named explicitly.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(ENV_CONFIG)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case explicit || !os.IsNotExist(err):
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(ENV_TIMEOUT_MS); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", ENV_TIMEOUT_MS, err)
		}
		c.TimeoutDelayMillis = ms
	}
	if v := os.Getenv(ENV_ABORT_ON_TIMEOUT); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", ENV_ABORT_ON_TIMEOUT, err)
		}
		c.AbortOnTimeout = b
	}
	if v := os.Getenv(ENV_CLEANUP_PARALLELISM); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", ENV_CLEANUP_PARALLELISM, err)
		}
		c.CleanupParallelism = n
	}
	return nil
}
