package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYDOC"

type Config struct {
	Addr      string `mapstructure:"addr"`
	Tenant    string `mapstructure:"tenant"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// PublicBaseURL overrides the request host when signing file links.
	PublicBaseURL string        `mapstructure:"public_base_url"`
	MaxClaimWait  time.Duration `mapstructure:"max_claim_wait"`

	Backend  BackendConfig  `mapstructure:"backend"`
	Service  ServiceConfig  `mapstructure:"service"`
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Callback CallbackConfig `mapstructure:"callback"`
	Wopi     WopiConfig     `mapstructure:"wopi"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Files    FilesConfig    `mapstructure:"files"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type BackendConfig struct {
	// Profile is one of "", "custom", "memory", "durable-local", "production".
	Profile         string `mapstructure:"profile"`
	DataDir         string `mapstructure:"data_dir"`
	PostgresDSN     string `mapstructure:"postgres_dsn"`
	RedisURL        string `mapstructure:"redis_url"`
	RecordsDSN      string `mapstructure:"records_dsn"`
	StorageDSN      string `mapstructure:"storage_dsn"`
	ConvertQueueDSN string `mapstructure:"convert_queue_dsn"`
	ResultQueueDSN  string `mapstructure:"result_queue_dsn"`
	EditorsDSN      string `mapstructure:"editors_dsn"`
	NotifierDSN     string `mapstructure:"notifier_dsn"`
	QueueSize       int    `mapstructure:"queue_size"`
}

type ServiceConfig struct {
	ConvertTimeout          time.Duration `mapstructure:"convert_timeout"`
	UpdateVersionExpire     time.Duration `mapstructure:"update_version_expire"`
	OpenProtectedFile       bool          `mapstructure:"open_protected_file"`
	CleanupCacheOnForgotten bool          `mapstructure:"cleanup_cache_on_forgotten"`
	ForgottenPrefix         string        `mapstructure:"forgotten_prefix"`
	ForgottenFilesName      string        `mapstructure:"forgotten_files_name"`
	ShutdownKey             string        `mapstructure:"shutdown_key"`
	CompletionWorkers       int           `mapstructure:"completion_workers"`
	PasswordSecret          string        `mapstructure:"password_secret"`
}

type BackoffConfig struct {
	Retries    int           `mapstructure:"retries"`
	Factor     float64       `mapstructure:"factor"`
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	HTTPStatus string        `mapstructure:"http_status"`
}

type CallbackConfig struct {
	OutboxSecret    string        `mapstructure:"outbox_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	AuthHeaderLimit int           `mapstructure:"auth_header_limit"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

type WopiConfig struct {
	ClientVersion string        `mapstructure:"client_version"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	InternalSecret  string        `mapstructure:"internal_secret"`
	InternalSkew    time.Duration `mapstructure:"internal_max_skew"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type FilesConfig struct {
	Secret       string        `mapstructure:"secret"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	TemporaryTTL time.Duration `mapstructure:"temporary_ttl"`
}

type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	Headers     string  `mapstructure:"headers"`
	Insecure    bool    `mapstructure:"insecure"`
	Sampler     string  `mapstructure:"sampler"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// Backends are the resolved DSNs handed to the docservice factories. An empty
// DSN means the in-memory default.
type Backends struct {
	Records      string
	Storage      string
	ConvertQueue string
	ResultQueue  string
	Editors      string
	Notifier     string
}

type LoadOptions struct {
	// EnvFile is loaded when present. Defaults to ".env".
	EnvFile string
	// ConfigFile is an optional yaml/json/toml file read before the environment.
	ConfigFile string
}

var defaults = map[string]any{
	"addr":       ":8080",
	"tenant":     "localhost",
	"log_level":  "info",
	"log_format": "json",

	"public_base_url": "",
	"max_claim_wait":  25 * time.Second,

	"backend.profile":           "",
	"backend.data_dir":          ".relaydoc",
	"backend.postgres_dsn":      "",
	"backend.redis_url":         "",
	"backend.records_dsn":       "",
	"backend.storage_dsn":       "",
	"backend.convert_queue_dsn": "",
	"backend.result_queue_dsn":  "",
	"backend.editors_dsn":       "",
	"backend.notifier_dsn":      "",
	"backend.queue_size":        1024,

	"service.convert_timeout":            5 * time.Minute,
	"service.update_version_expire":      5 * time.Minute,
	"service.open_protected_file":        true,
	"service.cleanup_cache_on_forgotten": false,
	"service.forgotten_prefix":           "forgotten",
	"service.forgotten_files_name":       "output",
	"service.shutdown_key":               "shutdown",
	"service.completion_workers":         4,
	"service.password_secret":            "",

	"backoff.retries":     3,
	"backoff.factor":      2.0,
	"backoff.min_timeout": time.Second,
	"backoff.max_timeout": 24 * time.Hour,
	"backoff.http_status": "429,500-599",

	"callback.outbox_secret":     "",
	"callback.token_ttl":         5 * time.Minute,
	"callback.auth_header_limit": 7168,
	"callback.timeout":           30 * time.Second,
	"callback.user_agent":        "relaydoc",

	"wopi.client_version": "relaydoc",
	"wopi.timeout":        30 * time.Second,

	"auth.jwt_secret":        "",
	"auth.internal_secret":   "",
	"auth.internal_max_skew": 5 * time.Minute,
	"auth.max_body_bytes":    int64(100 << 20),
	"auth.rate_limit_max":    0,
	"auth.rate_limit_window": time.Minute,

	"files.secret":        "",
	"files.session_ttl":   24 * time.Hour,
	"files.temporary_ttl": 5 * time.Minute,

	"tracing.exporter":     "",
	"tracing.endpoint":     "",
	"tracing.headers":      "",
	"tracing.insecure":     false,
	"tracing.sampler":      "",
	"tracing.sample_ratio": 1.0,
	"tracing.environment":  "",
}

// Load reads the optional .env and config files, then the RELAYDOC_* environment.
// Nested keys map to env names with dots replaced by underscores, e.g.
// RELAYDOC_BACKOFF_MIN_TIMEOUT.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Service.ConvertTimeout <= 0 {
		errs = append(errs, errors.New("service.convert_timeout must be positive"))
	}
	if c.Service.UpdateVersionExpire <= 0 {
		errs = append(errs, errors.New("service.update_version_expire must be positive"))
	}
	if c.Backoff.Retries < 0 {
		errs = append(errs, errors.New("backoff.retries must not be negative"))
	}
	if c.Backoff.Factor < 1 {
		errs = append(errs, errors.New("backoff.factor must be at least 1"))
	}
	if c.Backoff.MaxTimeout < c.Backoff.MinTimeout {
		errs = append(errs, errors.New("backoff.max_timeout must not be below backoff.min_timeout"))
	}
	if _, err := c.ResolveBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveBackends applies the backend profile and lets explicit DSNs override it.
func (c *Config) ResolveBackends() (Backends, error) {
	b := c.Backend
	var out Backends
	profile := strings.ToLower(strings.TrimSpace(b.Profile))
	dataDir := strings.TrimSpace(b.DataDir)
	if dataDir == "" {
		dataDir = ".relaydoc"
	}
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		out = Backends{
			Records:      "memory://",
			Storage:      "memory://",
			ConvertQueue: "memory://",
			ResultQueue:  "memory://",
			Editors:      "memory://",
			Notifier:     "memory://",
		}
	case "durable-local", "local-durable":
		out = Backends{
			Records:      "memory://",
			Storage:      "memory://",
			ConvertQueue: "file://" + filepath.Join(dataDir, "queue.json"),
			ResultQueue:  "file://" + filepath.Join(dataDir, "queue.json"),
			Editors:      "memory://",
			Notifier:     "memory://",
		}
	case "production", "prod":
		dsn := strings.TrimSpace(b.PostgresDSN)
		redisURL := strings.TrimSpace(b.RedisURL)
		if dsn == "" || redisURL == "" {
			return Backends{}, fmt.Errorf("%s_BACKEND_POSTGRES_DSN and %s_BACKEND_REDIS_URL are required when backend.profile=%s", EnvPrefix, EnvPrefix, profile)
		}
		out = Backends{
			Records:      dsn,
			ConvertQueue: dsn,
			ResultQueue:  dsn,
			Editors:      redisURL,
			Notifier:     redisURL,
		}
	default:
		return Backends{}, fmt.Errorf("unsupported backend.profile: %s", profile)
	}
	override := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}
	override(&out.Records, b.RecordsDSN)
	override(&out.Storage, b.StorageDSN)
	override(&out.ConvertQueue, b.ConvertQueueDSN)
	override(&out.ResultQueue, b.ResultQueueDSN)
	override(&out.Editors, b.EditorsDSN)
	override(&out.Notifier, b.NotifierDSN)
	return out, nil
}

func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Addr: %s\n", c.Addr)
	fmt.Fprintf(&sb, "  Tenant: %s\n", c.Tenant)
	fmt.Fprintf(&sb, "  BackendProfile: %s\n", c.Backend.Profile)
	fmt.Fprintf(&sb, "  PostgresDSN: %s\n", mask(c.Backend.PostgresDSN))
	fmt.Fprintf(&sb, "  RedisURL: %s\n", mask(c.Backend.RedisURL))
	fmt.Fprintf(&sb, "  ConvertTimeout: %s\n", c.Service.ConvertTimeout)
	fmt.Fprintf(&sb, "  UpdateVersionExpire: %s\n", c.Service.UpdateVersionExpire)
	fmt.Fprintf(&sb, "  Backoff: retries=%d factor=%g min=%s max=%s statuses=%s\n",
		c.Backoff.Retries, c.Backoff.Factor, c.Backoff.MinTimeout, c.Backoff.MaxTimeout, c.Backoff.HTTPStatus)
	fmt.Fprintf(&sb, "  OutboxSecret: %s\n", mask(c.Callback.OutboxSecret))
	fmt.Fprintf(&sb, "  JWTSecret: %s\n", mask(c.Auth.JWTSecret))
	fmt.Fprintf(&sb, "  FilesSecret: %s\n", mask(c.Files.Secret))
	fmt.Fprintf(&sb, "  TracingExporter: %s\n", c.Tracing.Exporter)
	return sb.String()
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "********"
}
