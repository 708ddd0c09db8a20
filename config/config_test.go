package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultWithGeneratedSignerKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignerKey == "" {
		t.Fatal("expected a generated signer key")
	}
	if cfg.LobbyDurationSeconds != 600 {
		t.Fatalf("LobbyDurationSeconds = %d, want 600", cfg.LobbyDurationSeconds)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("StoreDriver = %q, want sqlite", cfg.StoreDriver)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.SignerKey != cfg.SignerKey {
		t.Fatal("expected signer key to persist across reloads")
	}
}

func TestLoadAppliesDefaultsOnPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":9090"
DataDir = "./data"
SignerKey = "deadbeef"
`
	if err := writeFile(path, contents); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OracleStaleSeconds != 30 {
		t.Fatalf("OracleStaleSeconds = %d, want 30", cfg.OracleStaleSeconds)
	}
	if cfg.ExecutorRetries != 3 {
		t.Fatalf("ExecutorRetries = %d, want 3", cfg.ExecutorRetries)
	}
	if cfg.ExecutorBackoffBaseMs != 2000 || cfg.ExecutorBackoffCapMs != 30000 {
		t.Fatalf("unexpected backoff defaults: base=%d cap=%d", cfg.ExecutorBackoffBaseMs, cfg.ExecutorBackoffCapMs)
	}
	if cfg.SignerKey != "deadbeef" {
		t.Fatalf("SignerKey = %q, want unchanged deadbeef", cfg.SignerKey)
	}
}

func TestLoadPreservesExplicitOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `SignerKey = "deadbeef"
StoreDriver = "postgres"
StoreDSN = "postgres://localhost/poolrund"
LobbyDurationSeconds = 120
CooldownSeconds = 30
PlatformFeeBps = 1500
EnableRealTrading = true
`
	if err := writeFile(path, contents); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.LobbyDurationSeconds != 120 {
		t.Fatalf("LobbyDurationSeconds = %d, want 120", cfg.LobbyDurationSeconds)
	}
	if cfg.PlatformFeeBps != 1500 {
		t.Fatalf("PlatformFeeBps = %d, want 1500", cfg.PlatformFeeBps)
	}
	if !cfg.EnableRealTrading {
		t.Fatal("expected EnableRealTrading to remain true")
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
