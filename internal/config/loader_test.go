package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("resolved path = %s, want %s", resolved, path)
	}
	if cfg.Addr != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DeclineAfter != 30*time.Second || cfg.LivenessInterval != 30*time.Second {
		t.Fatalf("unexpected timing defaults: decline=%v liveness=%v", cfg.DeclineAfter, cfg.LivenessInterval)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("addr: \":9999\"\nlog_level: debug\ndecline_after: 45s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %s, want :9999", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %s, want debug", cfg.LogLevel)
	}
	if cfg.DeclineAfter != 45*time.Second {
		t.Fatalf("decline_after = %v, want 45s", cfg.DeclineAfter)
	}
	// Untouched keys keep their defaults.
	if cfg.DatabasePath != "callcore.db" {
		t.Fatalf("database_path = %s, want default", cfg.DatabasePath)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9999\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CALLCORE_ADDR", ":7777")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7777" {
		t.Fatalf("addr = %s, want env value :7777", cfg.Addr)
	}
}

func TestUpdateFromSkipsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1234"})

	if cfg.Addr != ":1234" {
		t.Fatalf("addr = %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" || cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("zero-value override clobbered defaults: %+v", cfg)
	}
}
