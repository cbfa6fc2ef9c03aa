package docservice

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuildTaskQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildTaskQueueFromDSN("memory://", "convert", 7, zerolog.Nop())
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue")
	}
	if queue.Capacity() != 7 {
		t.Fatalf("expected capacity 7, got %d", queue.Capacity())
	}
}

func TestBuildTaskQueueFromDSNFileSeparatesQueues(t *testing.T) {
	dir := t.TempDir()
	dsn := "file://" + filepath.Join(dir, "tasks.json")
	convert, err := BuildTaskQueueFromDSN(dsn, "convert", 9, zerolog.Nop())
	if err != nil {
		t.Fatalf("build convert queue failed: %v", err)
	}
	defer convert.Close()
	result, err := BuildTaskQueueFromDSN(dsn, "result", 9, zerolog.Nop())
	if err != nil {
		t.Fatalf("build result queue failed: %v", err)
	}
	defer result.Close()
	if convert.Capacity() != 9 {
		t.Fatalf("expected capacity 9, got %d", convert.Capacity())
	}
	if !convert.TryEnqueue(TaskQueueData{Cmd: Command{Command: "open", DocID: "doc-1"}}) {
		t.Fatalf("expected enqueue to succeed")
	}
	if result.Depth() != 0 {
		t.Fatalf("expected result queue to be independent, depth=%d", result.Depth())
	}
	fq, ok := result.(*FileTaskQueue)
	if !ok || !strings.HasSuffix(fq.path, "tasks-result.json") {
		t.Fatalf("expected result spool path suffix, got %T", result)
	}
}

func TestBuildFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildTaskQueueFromDSN("amqp://localhost:5672", "convert", 10, zerolog.Nop()); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for amqp queue, got %v", err)
	}
	if _, err := BuildRecordStoreFromDSN(context.Background(), "mysql://localhost/db", zerolog.Nop()); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql store, got %v", err)
	}
	if _, err := BuildBlobStorageFromDSN(context.Background(), "az://container", nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for azure storage, got %v", err)
	}
	if _, err := BuildNotifierFromDSN("amqp://localhost", zerolog.Nop()); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for amqp notifier, got %v", err)
	}
	if _, err := BuildEditorStateFromDSN("gopher://x", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown editor state scheme")
	}
}

func TestBuildFromEmptyDSNYieldsNil(t *testing.T) {
	queue, err := BuildTaskQueueFromDSN("  ", "convert", 1, zerolog.Nop())
	if err != nil || queue != nil {
		t.Fatalf("expected nil queue for empty dsn, got %v err=%v", queue, err)
	}
	store, err := BuildRecordStoreFromDSN(context.Background(), "", zerolog.Nop())
	if err != nil || store != nil {
		t.Fatalf("expected nil store for empty dsn, got %v err=%v", store, err)
	}
}

func TestMinioConfigFromURL(t *testing.T) {
	dsn := "s3://AKIA:secret@minio.local:9000/docs?ssl=true&region=eu-west-1&pathstyle=true"
	parsed, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, err := minioConfigFromURL(parsed)
	if err != nil {
		t.Fatalf("minio config failed: %v", err)
	}
	if cfg.Endpoint != "minio.local:9000" || cfg.Bucket != "docs" || cfg.AccessKey != "AKIA" || cfg.SecretKey != "secret" {
		t.Fatalf("unexpected minio config: %+v", cfg)
	}
	if !cfg.UseSSL || !cfg.PathStyle || cfg.Region != "eu-west-1" {
		t.Fatalf("expected flags from query, got %+v", cfg)
	}

	bad, _ := url.Parse("s3://minio.local:9000/docs?ssl=maybe")
	if _, err := minioConfigFromURL(bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for ssl=maybe, got %v", err)
	}
	noBucket, _ := url.Parse("s3://minio.local:9000")
	if _, err := minioConfigFromURL(noBucket); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without bucket, got %v", err)
	}
}

func TestRegisterTaskQueueFactory(t *testing.T) {
	scheme := "queuetestcustom"
	RegisterTaskQueueFactory(scheme, func(dsn, queueKey string, capacity int) (TaskQueue, error) {
		return NewInMemoryTaskQueue(capacity), nil
	})
	queue, err := BuildTaskQueueFromDSN(scheme+"://example", "convert", 17, zerolog.Nop())
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if queue == nil || queue.Capacity() != 17 {
		t.Fatalf("expected registered queue with capacity 17, got %v", queue)
	}
}

func TestRegisterRecordStoreFactory(t *testing.T) {
	scheme := "RecordTestCustom"
	RegisterRecordStoreFactory(scheme, func(dsn string) (RecordStore, error) {
		return NewInMemoryRecordStore(), nil
	})
	store, err := BuildRecordStoreFromDSN(context.Background(), "recordtestcustom://example", zerolog.Nop())
	if err != nil {
		t.Fatalf("build record store via registered factory failed: %v", err)
	}
	if store == nil {
		t.Fatalf("expected non-nil store from registered factory")
	}
}

func TestRegisterBlobStorageFactory(t *testing.T) {
	scheme := "blobtestcustom"
	RegisterBlobStorageFactory(scheme, func(dsn string) (BlobStorage, error) {
		return NewInMemoryBlobStorage(nil), nil
	})
	storage, err := BuildBlobStorageFromDSN(context.Background(), scheme+"://example", nil)
	if err != nil {
		t.Fatalf("build blob storage via registered factory failed: %v", err)
	}
	if storage == nil {
		t.Fatalf("expected non-nil storage from registered factory")
	}
}

func TestRegisterIgnoresBlankSchemeAndNilFactory(t *testing.T) {
	RegisterTaskQueueFactory("  ", func(dsn, queueKey string, capacity int) (TaskQueue, error) {
		return NewInMemoryTaskQueue(capacity), nil
	})
	RegisterTaskQueueFactory("niltestqueue", nil)
	if _, err := BuildTaskQueueFromDSN("niltestqueue://example", "convert", 4, zerolog.Nop()); err == nil {
		t.Fatalf("expected nil factory registration to be ignored")
	}
	if _, ok := taskQueueFactories.lookup(""); ok {
		t.Fatalf("expected blank scheme registration to be ignored")
	}
}
