package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFile: missingEnvFile(t)})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Tenant != "localhost" {
		t.Fatalf("unexpected defaults: addr=%q tenant=%q", cfg.Addr, cfg.Tenant)
	}
	if cfg.Service.ConvertTimeout != 5*time.Minute || cfg.Service.UpdateVersionExpire != 5*time.Minute {
		t.Fatalf("unexpected timeouts: %+v", cfg.Service)
	}
	if cfg.Service.ForgottenPrefix != "forgotten" || cfg.Service.ForgottenFilesName != "output" || cfg.Service.ShutdownKey != "shutdown" {
		t.Fatalf("unexpected forgotten defaults: %+v", cfg.Service)
	}
	if cfg.Service.CleanupCacheOnForgotten || !cfg.Service.OpenProtectedFile {
		t.Fatalf("unexpected flag defaults: %+v", cfg.Service)
	}
	b := cfg.Backoff
	if b.Retries != 3 || b.Factor != 2 || b.MinTimeout != time.Second || b.MaxTimeout != 24*time.Hour || b.HTTPStatus != "429,500-599" {
		t.Fatalf("unexpected backoff defaults: %+v", b)
	}
	if cfg.Callback.AuthHeaderLimit != 7168 {
		t.Fatalf("unexpected auth header limit %d", cfg.Callback.AuthHeaderLimit)
	}
	backends, err := cfg.ResolveBackends()
	if err != nil {
		t.Fatalf("resolve backends failed: %v", err)
	}
	if backends != (Backends{}) {
		t.Fatalf("expected empty backends without a profile, got %+v", backends)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RELAYDOC_ADDR", ":9090")
	t.Setenv("RELAYDOC_SERVICE_CONVERT_TIMEOUT", "90s")
	t.Setenv("RELAYDOC_SERVICE_CLEANUP_CACHE_ON_FORGOTTEN", "true")
	t.Setenv("RELAYDOC_BACKOFF_RETRIES", "5")
	t.Setenv("RELAYDOC_BACKOFF_MIN_TIMEOUT", "250ms")
	t.Setenv("RELAYDOC_BACKOFF_HTTP_STATUS", "503")

	cfg, err := Load(LoadOptions{EnvFile: missingEnvFile(t)})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Service.ConvertTimeout != 90*time.Second || !cfg.Service.CleanupCacheOnForgotten {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.Backoff.Retries != 5 || cfg.Backoff.MinTimeout != 250*time.Millisecond || cfg.Backoff.HTTPStatus != "503" {
		t.Fatalf("unexpected backoff: %+v", cfg.Backoff)
	}
}

func TestLoadReadsDotEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("RELAYDOC_TENANT=tenant-from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("RELAYDOC_TENANT") })
	configFile := filepath.Join(dir, "relaydoc.yaml")
	yaml := "wopi:\n  client_version: \"9.1\"\nbackend:\n  queue_size: 64\n"
	if err := os.WriteFile(configFile, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file failed: %v", err)
	}

	cfg, err := Load(LoadOptions{EnvFile: envFile, ConfigFile: configFile})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Tenant != "tenant-from-dotenv" {
		t.Fatalf("expected tenant from .env, got %q", cfg.Tenant)
	}
	if cfg.Wopi.ClientVersion != "9.1" || cfg.Backend.QueueSize != 64 {
		t.Fatalf("expected values from config file, got wopi=%+v queue=%d", cfg.Wopi, cfg.Backend.QueueSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("RELAYDOC_BACKOFF_FACTOR", "0.5")
	t.Setenv("RELAYDOC_SERVICE_UPDATE_VERSION_EXPIRE", "0s")
	_, err := Load(LoadOptions{EnvFile: missingEnvFile(t)})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"backoff.factor", "service.update_version_expire"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestResolveBackendsProfiles(t *testing.T) {
	cfg := &Config{Backend: BackendConfig{Profile: "memory", RecordsDSN: "postgres://db/override"}}
	b, err := cfg.ResolveBackends()
	if err != nil {
		t.Fatalf("resolve memory profile failed: %v", err)
	}
	if b.ConvertQueue != "memory://" || b.Records != "postgres://db/override" {
		t.Fatalf("expected memory profile with record override, got %+v", b)
	}

	cfg = &Config{Backend: BackendConfig{Profile: "durable-local", DataDir: "/var/lib/relaydoc"}}
	b, err = cfg.ResolveBackends()
	if err != nil {
		t.Fatalf("resolve durable-local profile failed: %v", err)
	}
	if b.ConvertQueue != "file:///var/lib/relaydoc/queue.json" || b.ResultQueue != b.ConvertQueue {
		t.Fatalf("unexpected durable-local queues: %+v", b)
	}

	cfg = &Config{Backend: BackendConfig{Profile: "production", PostgresDSN: "postgres://db/relaydoc"}}
	if _, err := cfg.ResolveBackends(); err == nil {
		t.Fatalf("expected production profile to require redis")
	}
	cfg.Backend.RedisURL = "redis://cache:6379/0"
	b, err = cfg.ResolveBackends()
	if err != nil {
		t.Fatalf("resolve production profile failed: %v", err)
	}
	if b.Records != "postgres://db/relaydoc" || b.ResultQueue != "postgres://db/relaydoc" || b.Notifier != "redis://cache:6379/0" || b.Storage != "" {
		t.Fatalf("unexpected production backends: %+v", b)
	}

	cfg = &Config{Backend: BackendConfig{Profile: "cloud"}}
	if _, err := cfg.ResolveBackends(); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{JWTSecret: "super"}, Callback: CallbackConfig{OutboxSecret: "outbox"}}
	out := cfg.String()
	if strings.Contains(out, "super") || strings.Contains(out, "outbox") {
		t.Fatalf("expected secrets to be masked: %s", out)
	}
	if !strings.Contains(out, "FilesSecret: (empty)") {
		t.Fatalf("expected empty secret marker: %s", out)
	}
}
