package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Advisor.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.Advisor.Model)
	}
	if got := cfg.SchedulerTick(); got != time.Minute {
		t.Errorf("tick = %v, want 1m", got)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 8081
database:
  driver: postgres
  dsn: postgres://127.0.0.1/pgsage
scheduler:
  tick_interval: 30s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PGSAGE_PORT", "9090")
	t.Setenv("PGSAGE_GITHUB_TOKEN", " tok ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("env should win over file, port = %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if got := cfg.SchedulerTick(); got != 30*time.Second {
		t.Errorf("tick = %v, want 30s", got)
	}
	if cfg.Scanner.GitHubToken != "tok" {
		t.Errorf("token = %q, want trimmed", cfg.Scanner.GitHubToken)
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("default jwt secret must be rejected")
	}
	cfg.Auth.JWTSecret = "short"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatal("short jwt secret must be rejected")
	}
	cfg.Auth.JWTSecret = "a-sufficiently-long-secret"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenDuration = "garbage"
	if got := cfg.TokenDuration(); got != 24*time.Hour {
		t.Errorf("token duration = %v, want 24h fallback", got)
	}
	cfg.Advisor.RequestTimeout = "-5s"
	if got := cfg.AdvisorTimeout(); got != 60*time.Second {
		t.Errorf("advisor timeout = %v, want 60s fallback", got)
	}
}
