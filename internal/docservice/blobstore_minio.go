package docservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	PathStyle    bool
	SessionTTL   time.Duration
	TemporaryTTL time.Duration
}

// MinioBlobStorage keeps blobs in an S3-compatible bucket and hands out
// presigned GET links instead of routing downloads through this service.
type MinioBlobStorage struct {
	cl           *minio.Client
	bucket       string
	sessionTTL   time.Duration
	temporaryTTL time.Duration
}

func NewMinioBlobStorage(ctx context.Context, cfg MinioConfig) (*MinioBlobStorage, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrInvalidInput
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("docservice: bucket check: %w", err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("docservice: make bucket: %w", err)
		}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.TemporaryTTL <= 0 {
		cfg.TemporaryTTL = 5 * time.Minute
	}
	return &MinioBlobStorage{
		cl:           cl,
		bucket:       cfg.Bucket,
		sessionTTL:   cfg.SessionTTL,
		temporaryTTL: cfg.TemporaryTTL,
	}, nil
}

func (s *MinioBlobStorage) Put(ctx context.Context, path string, data []byte) error {
	path = normalizeBlobPath(path)
	if path == "" {
		return ErrInvalidInput
	}
	_, err := s.cl.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (s *MinioBlobStorage) Get(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *MinioBlobStorage) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	path = normalizeBlobPath(path)
	info, err := s.cl.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, mapMinioError(path, err)
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, mapMinioError(path, err)
	}
	return obj, info.Size, nil
}

func (s *MinioBlobStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalizeBlobPath(prefix)
	out := make([]string, 0)
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, obj.Key)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MinioBlobStorage) DeletePath(ctx context.Context, prefix string) error {
	prefix = normalizeBlobPath(prefix)
	if prefix == "" {
		return ErrInvalidInput
	}
	objects := s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for rerr := range s.cl.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("docservice: remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

func (s *MinioBlobStorage) Copy(ctx context.Context, src, dst string) error {
	srcOpts := minio.CopySrcOptions{Bucket: s.bucket, Object: normalizeBlobPath(src)}
	dstOpts := minio.CopyDestOptions{Bucket: s.bucket, Object: normalizeBlobPath(dst)}
	if _, err := s.cl.CopyObject(ctx, dstOpts, srcOpts); err != nil {
		return mapMinioError(src, err)
	}
	return nil
}

func (s *MinioBlobStorage) SignedURL(ctx context.Context, baseURL, path string, urlType URLType) (string, error) {
	ttl := s.sessionTTL
	if urlType == URLTemporary {
		ttl = s.temporaryTTL
	}
	params := url.Values{}
	u, err := s.cl.PresignedGetObject(ctx, s.bucket, normalizeBlobPath(path), ttl, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func mapMinioError(path string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.StatusCode == 404) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return err
}
