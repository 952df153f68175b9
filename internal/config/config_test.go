package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quorumq.yaml")
	raw := `
db_path: /tmp/q.db
dispatch_timeout: 45s
breaker:
  threshold: 3
  cooldown: 2m
delegates:
  - name: gemini
    command: gemini-delegate
    format: text
consensus:
  weights:
    security:
      claude: 2
      gemini: 0.5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/q.db" {
		t.Fatalf("want db_path=/tmp/q.db got=%s", cfg.DBPath)
	}
	if cfg.DispatchTimeout.D() != 45*time.Second {
		t.Fatalf("want dispatch_timeout=45s got=%s", cfg.DispatchTimeout.D())
	}
	if cfg.Breaker.Threshold != 3 || cfg.Breaker.Cooldown.D() != 2*time.Minute {
		t.Fatalf("unexpected breaker config: %+v", cfg.Breaker)
	}
	if len(cfg.Delegates) != 1 || cfg.Delegates[0].Format != "text" {
		t.Fatalf("unexpected delegates: %+v", cfg.Delegates)
	}
	if cfg.Consensus.Weights["security"]["claude"] != 2 {
		t.Fatalf("unexpected weights: %+v", cfg.Consensus.Weights)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("default max_retries lost: %d", cfg.Queue.MaxRetries)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"QUORUMQ_DB":                "/var/lib/q.db",
		"QUORUMQ_BREAKER_THRESHOLD": "7",
		"QUORUMQ_BREAKER_COOLDOWN":  "90s",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	if err := applyEnv(&cfg, lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.DBPath != "/var/lib/q.db" || cfg.Breaker.Threshold != 7 || cfg.Breaker.Cooldown.D() != 90*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	lookup := func(k string) (string, bool) {
		if k == "QUORUMQ_MAX_RETRIES" {
			return "lots", true
		}
		return "", false
	}
	if err := applyEnv(&cfg, lookup); err == nil {
		t.Fatalf("expected error for non-numeric QUORUMQ_MAX_RETRIES")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Breaker.Threshold = 0
	cfg.Auth.Limiter = "redis"
	cfg.Delegates = append(cfg.Delegates, DelegateConfig{Name: "claude"})
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"breaker.threshold", "requires redis_addr", "duplicate delegate"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("want %q in %v", want, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
