package docservice

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type TaskQueueFactory func(dsn, queueKey string, capacity int) (TaskQueue, error)
type RecordStoreFactory func(dsn string) (RecordStore, error)
type BlobStorageFactory func(dsn string) (BlobStorage, error)

// schemeFactories holds constructors registered for a DSN scheme. A
// registered scheme takes precedence over the built-in backends.
type schemeFactories[F any] struct {
	mu     sync.RWMutex
	byName map[string]F
}

func (r *schemeFactories[F]) register(scheme string, factory F) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = map[string]F{}
	}
	r.byName[scheme] = factory
}

func (r *schemeFactories[F]) lookup(scheme string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.byName[normalizeBackendScheme(scheme)]
	return factory, ok
}

var (
	taskQueueFactories   schemeFactories[TaskQueueFactory]
	recordStoreFactories schemeFactories[RecordStoreFactory]
	blobStorageFactories schemeFactories[BlobStorageFactory]
)

func RegisterTaskQueueFactory(scheme string, factory TaskQueueFactory) {
	if factory != nil {
		taskQueueFactories.register(scheme, factory)
	}
}

func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	if factory != nil {
		recordStoreFactories.register(scheme, factory)
	}
}

func RegisterBlobStorageFactory(scheme string, factory BlobStorageFactory) {
	if factory != nil {
		blobStorageFactories.register(scheme, factory)
	}
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildTaskQueueFromDSN opens the queue named by dsn. An empty dsn yields a
// nil queue so the service falls back to memory.
func BuildTaskQueueFromDSN(dsn, queueKey string, capacity int, logger zerolog.Logger) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := taskQueueFactories.lookup(scheme); ok {
		return factory(dsn, queueKey, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		if queueKey != "" {
			path = strings.TrimSuffix(path, ".json") + "-" + queueKey + ".json"
		}
		return NewFileTaskQueue(path, capacity, logger)
	case "memory", "mem", "inmem":
		return NewInMemoryTaskQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresTaskQueue(dsn, queueKey, capacity)
	case "amqp", "amqps", "activemq", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: task queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

func BuildRecordStoreFromDSN(ctx context.Context, dsn string, logger zerolog.Logger) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := recordStoreFactories.lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryRecordStore(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(ctx, dsn, logger)
	case "mysql", "mssql", "oracle", "dameng":
		return nil, fmt.Errorf("%w: record store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

// BuildBlobStorageFromDSN understands memory:// and
// s3://access:secret@host:port/bucket?ssl=true&region=r&pathstyle=true.
func BuildBlobStorageFromDSN(ctx context.Context, dsn string, signer *URLSigner) (BlobStorage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := blobStorageFactories.lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryBlobStorage(signer), nil
	case "s3", "minio":
		cfg, cfgErr := minioConfigFromURL(parsed)
		if cfgErr != nil {
			return nil, cfgErr
		}
		return NewMinioBlobStorage(ctx, cfg)
	case "az", "azure", "file":
		return nil, fmt.Errorf("%w: blob storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported blob storage scheme: %s", scheme)
	}
}

func BuildEditorStateFromDSN(dsn string, logger zerolog.Logger) (EditorState, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := normalizeBackendScheme(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryEditorState(), nil
	case "redis", "rediss":
		return NewRedisEditorStateFromURL(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported editor state scheme: %s", scheme)
	}
}

func BuildNotifierFromDSN(dsn string, logger zerolog.Logger) (Notifier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := normalizeBackendScheme(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryNotifier(), nil
	case "redis", "rediss":
		return NewRedisNotifierFromURL(dsn, logger)
	case "amqp", "amqps":
		return nil, fmt.Errorf("%w: notifier backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported notifier scheme: %s", scheme)
	}
}

func minioConfigFromURL(parsed *url.URL) (MinioConfig, error) {
	cfg := MinioConfig{
		Endpoint: parsed.Host,
		Bucket:   strings.Trim(parsed.Path, "/"),
	}
	if parsed.User != nil {
		cfg.AccessKey = parsed.User.Username()
		cfg.SecretKey, _ = parsed.User.Password()
	}
	q := parsed.Query()
	cfg.Region = q.Get("region")
	if v := q.Get("ssl"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: ssl=%s", ErrInvalidInput, v)
		}
		cfg.UseSSL = b
	}
	if v := q.Get("pathstyle"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: pathstyle=%s", ErrInvalidInput, v)
		}
		cfg.PathStyle = b
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return cfg, ErrInvalidInput
	}
	return cfg, nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
