package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/config"
	"github.com/agentworkforce/relaydoc/internal/docservice"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/observability"
	"github.com/rs/zerolog"
)

const shutdownGrace = 30 * time.Second

func main() {
	configFile := flag.String("config", strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG_FILE")), "optional yaml/json/toml config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded when present")
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{EnvFile: *envFile, ConfigFile: *configFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relaydoc stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("config", cfg.String()).Msg("configuration loaded")

	shutdownTracing, err := observability.InitTracing("relaydoc", observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Headers:     cfg.Tracing.Headers,
		Insecure:    cfg.Tracing.Insecure,
		Sampler:     cfg.Tracing.Sampler,
		SampleRatio: cfg.Tracing.SampleRatio,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(rootCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize backends: %w", err)
	}
	svc := docservice.NewService(serviceOptions(cfg, deps, logger))
	defer svc.Close()

	server := httpapi.NewServerWithConfig(svc, serverConfig(cfg, deps, logger))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("tenant", cfg.Tenant).Msg("relaydoc listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-rootCtx.Done():
	}

	logger.Info().Msg("shutting down")
	svc.SetShuttingDown(true)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if docs, err := svc.ShutdownDocuments(ctx); err == nil && len(docs) > 0 {
		logger.Warn().Strs("documents", docs).Msg("final saves still in flight at exit")
	}
	return nil
}

func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
	case "console", "text", "pretty":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "relaydoc").Logger(), nil
}

type dependencies struct {
	backends     config.Backends
	signer       *docservice.URLSigner
	records      docservice.RecordStore
	storage      docservice.BlobStorage
	convertQueue docservice.TaskQueue
	resultQueue  docservice.TaskQueue
	editors      docservice.EditorState
	notifier     docservice.Notifier
}

func buildDependencies(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dependencies, error) {
	backends, err := cfg.ResolveBackends()
	if err != nil {
		return dependencies{}, err
	}
	deps := dependencies{
		backends: backends,
		signer: docservice.NewURLSigner(docservice.URLSignerOptions{
			Secret:       filesSecret(cfg),
			SessionTTL:   cfg.Files.SessionTTL,
			TemporaryTTL: cfg.Files.TemporaryTTL,
		}),
	}
	if deps.records, err = docservice.BuildRecordStoreFromDSN(ctx, backends.Records, logger); err != nil {
		return dependencies{}, fmt.Errorf("record store: %w", err)
	}
	if deps.storage, err = docservice.BuildBlobStorageFromDSN(ctx, backends.Storage, deps.signer); err != nil {
		return dependencies{}, fmt.Errorf("blob storage: %w", err)
	}
	if deps.storage == nil {
		deps.storage = docservice.NewInMemoryBlobStorage(deps.signer)
	}
	if deps.convertQueue, err = docservice.BuildTaskQueueFromDSN(backends.ConvertQueue, "convert", cfg.Backend.QueueSize, logger); err != nil {
		return dependencies{}, fmt.Errorf("convert queue: %w", err)
	}
	if deps.resultQueue, err = docservice.BuildTaskQueueFromDSN(backends.ResultQueue, "result", cfg.Backend.QueueSize, logger); err != nil {
		return dependencies{}, fmt.Errorf("result queue: %w", err)
	}
	if deps.editors, err = docservice.BuildEditorStateFromDSN(backends.Editors, logger); err != nil {
		return dependencies{}, fmt.Errorf("editor state: %w", err)
	}
	if deps.notifier, err = docservice.BuildNotifierFromDSN(backends.Notifier, logger); err != nil {
		return dependencies{}, fmt.Errorf("notifier: %w", err)
	}
	return deps, nil
}

// filesSecret falls back to the JWT secret so links survive a restart even
// when no dedicated secret is configured.
func filesSecret(cfg *config.Config) string {
	if cfg.Files.Secret != "" {
		return cfg.Files.Secret
	}
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	return "dev-secret"
}

func serviceOptions(cfg *config.Config, deps dependencies, logger zerolog.Logger) docservice.ServiceOptions {
	return docservice.ServiceOptions{
		Tenant:       cfg.Tenant,
		Records:      deps.records,
		Storage:      deps.storage,
		ConvertQueue: deps.convertQueue,
		ResultQueue:  deps.resultQueue,
		Editors:      deps.editors,
		Notifier:     deps.notifier,
		Callbacks: docservice.NewHTTPCallbackClient(docservice.CallbackClientOptions{
			HTTPClient:      &http.Client{Timeout: cfg.Callback.Timeout},
			OutboxSecret:    cfg.Callback.OutboxSecret,
			TokenTTL:        cfg.Callback.TokenTTL,
			AuthHeaderLimit: cfg.Callback.AuthHeaderLimit,
			UserAgent:       cfg.Callback.UserAgent,
			Logger:          logger,
		}),
		Wopi: docservice.NewHTTPWopiClient(docservice.WopiClientOptions{
			HTTPClient:    &http.Client{Timeout: cfg.Wopi.Timeout},
			ClientVersion: cfg.Wopi.ClientVersion,
			Logger:        logger,
		}),
		Passwords:           docservice.NewPasswordCipher(cfg.Service.PasswordSecret),
		ConvertTimeout:      cfg.Service.ConvertTimeout,
		UpdateVersionExpire: cfg.Service.UpdateVersionExpire,
		Backoff: docservice.BackoffOptions{
			Retries:    cfg.Backoff.Retries,
			Factor:     cfg.Backoff.Factor,
			MinTimeout: cfg.Backoff.MinTimeout,
			MaxTimeout: cfg.Backoff.MaxTimeout,
			HTTPStatus: cfg.Backoff.HTTPStatus,
		},
		ForgottenPrefix:         cfg.Service.ForgottenPrefix,
		ForgottenFilesName:      cfg.Service.ForgottenFilesName,
		ShutdownKey:             cfg.Service.ShutdownKey,
		OpenProtectedFile:       cfg.Service.OpenProtectedFile,
		CleanupCacheOnForgotten: cfg.Service.CleanupCacheOnForgotten,
		CompletionWorkers:       cfg.Service.CompletionWorkers,
		Logger:                  logger,
	}
}

func serverConfig(cfg *config.Config, deps dependencies, logger zerolog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:          cfg.Auth.JWTSecret,
		InternalHMACSecret: cfg.Auth.InternalSecret,
		InternalMaxSkew:    cfg.Auth.InternalSkew,
		RateLimitMax:       cfg.Auth.RateLimitMax,
		RateLimitWindow:    cfg.Auth.RateLimitWindow,
		MaxBodyBytes:       cfg.Auth.MaxBodyBytes,
		PublicBaseURL:      cfg.PublicBaseURL,
		MaxClaimWait:       cfg.MaxClaimWait,
		Signer:             deps.signer,
		Backends:           backendSummary(deps.backends),
		Logger:             logger,
	}
}

// backendSummary is what /v1/admin/backends reports. Credentials are redacted.
func backendSummary(b config.Backends) map[string]string {
	out := map[string]string{}
	for name, dsn := range map[string]string{
		"records":      b.Records,
		"storage":      b.Storage,
		"convertQueue": b.ConvertQueue,
		"resultQueue":  b.ResultQueue,
		"editors":      b.Editors,
		"notifier":     b.Notifier,
	} {
		out[name] = redactDSN(dsn)
	}
	return out
}

func redactDSN(dsn string) string {
	if strings.TrimSpace(dsn) == "" {
		return "memory://"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	q := parsed.Query()
	for _, key := range []string{"password", "secret", "sslpassword"} {
		if q.Has(key) {
			q.Set(key, "xxxxx")
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.Redacted()
}
