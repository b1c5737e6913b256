package kducer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Device.ConnectTimeoutMs != 5000 {
		t.Errorf("ConnectTimeoutMs = %d, want 5000", cfg.Device.ConnectTimeoutMs)
	}
	if cfg.Device.ExchangeTimeoutMs != 300 {
		t.Errorf("ExchangeTimeoutMs = %d, want 300", cfg.Device.ExchangeTimeoutMs)
	}
	if cfg.Polling.IntervalMs != 100 {
		t.Errorf("IntervalMs = %d, want 100", cfg.Polling.IntervalMs)
	}

	// Defaults alone are not valid: the address is mandatory.
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error without an address")
	}
	cfg.Device.Address = "192.168.32.103"
	if err := cfg.Validate(); err != nil {
		t.Errorf("validation failed: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Address = "192.168.32.103"

	cfg.Polling.IntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero poll interval")
	}
	cfg.Polling.IntervalMs = 100

	cfg.Policies.LockUntilResultFetched = true
	cfg.Policies.LockAlways = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for both lock policies at once")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kducer.yaml")
	raw := `
device:
  address: 192.168.32.103:502
  exchange_timeout_ms: 250
polling:
  interval_ms: 50
policies:
  lock_until_result_fetched: true
  timestamp_override: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Device.Address != "192.168.32.103:502" {
		t.Errorf("Address = %q", cfg.Device.Address)
	}
	if cfg.Device.ExchangeTimeoutMs != 250 {
		t.Errorf("ExchangeTimeoutMs = %d, want 250", cfg.Device.ExchangeTimeoutMs)
	}
	// Unset fields keep their defaults.
	if cfg.Device.ConnectTimeoutMs != 5000 {
		t.Errorf("ConnectTimeoutMs = %d, want default 5000", cfg.Device.ConnectTimeoutMs)
	}
	if cfg.Polling.IntervalMs != 50 {
		t.Errorf("IntervalMs = %d, want 50", cfg.Polling.IntervalMs)
	}
	if !cfg.Policies.LockUntilResultFetched || !cfg.Policies.TimestampOverride {
		t.Error("policies not applied from file")
	}
	if cfg.Policies.LockAlways {
		t.Error("lock_always must default to false")
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("device: [not a map]"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
