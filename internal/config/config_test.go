package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/relay/env.yaml")
	if got := ResolveConfigPath(" custom.yaml "); got != "custom.yaml" {
		t.Fatalf("expected flag path, got %s", got)
	}
	if got := ResolveConfigPath(""); got != "/etc/relay/env.yaml" {
		t.Fatalf("expected env path, got %s", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %s", got)
	}
}

func TestLoadMergesYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := []byte(`
server:
  port: 9090
database:
  dsn: "file:relay-test.db"
security:
  jwt-secret: "yaml-secret"
  encryption-key: "0123456789abcdef0123456789abcdef"
queue:
  workers: 2
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Security.JWTSecret != "env-secret" {
		t.Fatalf("expected env jwt secret, got %s", cfg.Security.JWTSecret)
	}
	if cfg.Database.DSN != "file:relay-test.db" {
		t.Fatalf("expected yaml dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Queue.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := Default()
	getenv := func(key string) string {
		if key == "PORT" {
			return "eighty"
		}
		return ""
	}
	if err := applyEnv(&cfg, getenv); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}
