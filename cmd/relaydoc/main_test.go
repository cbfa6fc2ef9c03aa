package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/relaydoc/internal/config"
	"github.com/agentworkforce/relaydoc/internal/docservice"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/rs/zerolog"
)

func TestNewLoggerParsesLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("docId", "doc-1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info to be filtered at warn level, got %q", out)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", out, err)
	}
	if line["docId"] != "doc-1" || line["service"] != "relaydoc" || line["level"] != "warn" {
		t.Fatalf("unexpected log line %v", line)
	}

	buf.Reset()
	console, err := newLogger("", "console", &buf)
	if err != nil {
		t.Fatalf("console logger: %v", err)
	}
	console.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestNewLoggerRejectsUnknownValues(t *testing.T) {
	if _, err := newLogger("loud", "json", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := newLogger("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestBuildDependenciesMemoryProfile(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{
		"RELAYDOC_BACKEND_PROFILE": "memory",
		"RELAYDOC_AUTH_JWT_SECRET": "jwt",
	})
	deps, err := buildDependencies(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build dependencies: %v", err)
	}
	if _, ok := deps.records.(*docservice.InMemoryRecordStore); !ok {
		t.Fatalf("expected in-memory records, got %T", deps.records)
	}
	if _, ok := deps.storage.(*docservice.InMemoryBlobStorage); !ok {
		t.Fatalf("expected in-memory storage, got %T", deps.storage)
	}
	if _, ok := deps.convertQueue.(*docservice.InMemoryTaskQueue); !ok {
		t.Fatalf("expected in-memory convert queue, got %T", deps.convertQueue)
	}
	if _, ok := deps.notifier.(*docservice.InMemoryNotifier); !ok {
		t.Fatalf("expected in-memory notifier, got %T", deps.notifier)
	}
}

func TestBuildDependenciesDurableLocalUsesFileQueues(t *testing.T) {
	dir := t.TempDir()
	cfg := loadTestConfig(t, map[string]string{
		"RELAYDOC_BACKEND_PROFILE":  "durable-local",
		"RELAYDOC_BACKEND_DATA_DIR": dir,
	})
	deps, err := buildDependencies(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build dependencies: %v", err)
	}
	if _, ok := deps.convertQueue.(*docservice.FileTaskQueue); !ok {
		t.Fatalf("expected file convert queue, got %T", deps.convertQueue)
	}
	if _, ok := deps.resultQueue.(*docservice.FileTaskQueue); !ok {
		t.Fatalf("expected file result queue, got %T", deps.resultQueue)
	}
	summary := backendSummary(deps.backends)
	if !strings.HasSuffix(summary["convertQueue"], "queue.json") {
		t.Fatalf("unexpected convert queue summary %q", summary["convertQueue"])
	}
}

func TestBuildDependenciesRejectsUnknownScheme(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{
		"RELAYDOC_BACKEND_EDITORS_DSN": "etcd://localhost",
	})
	if _, err := buildDependencies(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected unsupported editor state scheme to fail")
	}
}

func TestRedactDSNHidesCredentials(t *testing.T) {
	got := redactDSN("postgres://relay:hunter2@db:5432/relaydoc?sslmode=disable")
	if strings.Contains(got, "hunter2") || !strings.Contains(got, "relay:xxxxx@db:5432") {
		t.Fatalf("expected password to be redacted, got %q", got)
	}
	got = redactDSN("redis://cache:6379/0?password=hunter2")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("expected query password to be redacted, got %q", got)
	}
	if redactDSN("") != "memory://" {
		t.Fatalf("expected empty dsn to report memory")
	}
}

func TestWiredServerServesSignedLinks(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{
		"RELAYDOC_PUBLIC_BASE_URL": "https://docs.example",
		"RELAYDOC_FILES_SECRET":    "files",
	})
	deps, err := buildDependencies(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build dependencies: %v", err)
	}
	opts := serviceOptions(cfg, deps, zerolog.Nop())
	opts.DisableWorkers = true
	svc := docservice.NewService(opts)
	defer svc.Close()
	server := httpapi.NewServerWithConfig(svc, serverConfig(cfg, deps, zerolog.Nop()))

	ctx := context.Background()
	if err := deps.storage.Put(ctx, "doc-1/Editor.bin", []byte("bin")); err != nil {
		t.Fatalf("put: %v", err)
	}
	link, err := deps.storage.SignedURL(ctx, cfg.PublicBaseURL, "doc-1/Editor.bin", docservice.URLSession)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(link, "https://docs.example/v1/files/doc-1/Editor.bin?") {
		t.Fatalf("unexpected link %q", link)
	}
	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(link, "https://docs.example"), nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "bin" {
		t.Fatalf("expected wired server to serve the link, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func loadTestConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load(config.LoadOptions{EnvFile: t.TempDir() + "/missing.env"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}
