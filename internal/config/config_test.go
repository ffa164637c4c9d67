package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutDelay() != 10*time.Second {
		t.Fatalf("default timeout = %v", cfg.TimeoutDelay())
	}
	if cfg.AbortOnTimeout {
		t.Fatal("abort on timeout defaults on")
	}
	if cfg.FineBackoffBand() != time.Millisecond {
		t.Fatalf("default fine backoff band = %v", cfg.FineBackoffBand())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiesce.yaml")
	data := []byte("timeout_delay_ms: 250\nabort_on_timeout: true\ncleanup_parallelism: 4\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutDelay() != 250*time.Millisecond {
		t.Fatalf("timeout = %v", cfg.TimeoutDelay())
	}
	if !cfg.AbortOnTimeout {
		t.Fatal("abort_on_timeout not applied")
	}
	if cfg.CleanupParallelism != 4 {
		t.Fatalf("cleanup_parallelism = %d", cfg.CleanupParallelism)
	}
	// Unset fields keep their defaults.
	if cfg.FineBackoffBandMillis != Default().FineBackoffBandMillis {
		t.Fatal("unset field lost its default")
	}
}

func TestExplicitMissingFileIsAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config file did not error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiesce.yaml")
	if err := os.WriteFile(path, []byte("timeout_delay_ms: 250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ENV_TIMEOUT_MS, "7000")
	t.Setenv(ENV_ABORT_ON_TIMEOUT, "true")
	t.Setenv(ENV_CLEANUP_PARALLELISM, "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutDelay() != 7*time.Second {
		t.Fatalf("timeout = %v, env override lost", cfg.TimeoutDelay())
	}
	if !cfg.AbortOnTimeout || cfg.CleanupParallelism != 2 {
		t.Fatal("env overrides not applied")
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv(ENV_TIMEOUT_MS, "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("unparsable env override did not error")
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiesce.yaml")
	if err := os.WriteFile(path, []byte("timeout_delay_ms: 123\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ENV_CONFIG, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TimeoutDelayMillis != 123 {
		t.Fatalf("timeout_delay_ms = %d", cfg.TimeoutDelayMillis)
	}
}
