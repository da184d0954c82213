package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exchanged.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
params: params.toml
admin:
  bearer_token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7087" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Oracle.MaxAge.Duration != 2*time.Minute {
		t.Fatalf("unexpected oracle max age %v", cfg.Oracle.MaxAge.Duration)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg.RateLimit)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
params: params.toml
admin:
  bearer_token: secret
oracle:
  max_age: 45s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.MaxAge.Duration != 45*time.Second {
		t.Fatalf("unexpected max age %v", cfg.Oracle.MaxAge.Duration)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
}

func TestLoadRequiresParamsPath(t *testing.T) {
	path := writeConfig(t, `
admin:
  bearer_token: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error without params path")
	}
}

func TestLoadRequiresBearerToken(t *testing.T) {
	path := writeConfig(t, `
params: params.toml
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error without bearer token")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `
params: params.toml
admin:
  bearer_token: secret
oracle:
  max_age: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
