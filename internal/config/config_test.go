package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8090" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Engine.SweepSpec != "@every 1m" || cfg.Engine.Workers != 4 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Push.Timeout != 15*time.Second {
		t.Fatalf("push timeout = %v", cfg.Push.Timeout)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("location = %v", cfg.Location())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("http:\n  addr: \":9000\"\nengine:\n  workers: 2\n  timezone: Europe/Berlin\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NOTIFY_HUB_PUSH_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Engine.Workers != 2 {
		t.Fatalf("engine workers = %d", cfg.Engine.Workers)
	}
	if cfg.Push.Workers != 3 {
		t.Fatalf("push workers = %d", cfg.Push.Workers)
	}
}

func TestLoadRejectsBadWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
